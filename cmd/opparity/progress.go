package main

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// newProgress returns a case-level progress bar on stderr. It writes nothing
// when stderr is not a terminal so logs and piped output stay clean.
func newProgress(total int, desc string) *progressbar.ProgressBar {
	var w io.Writer = os.Stderr
	if !stderrIsTerminal() {
		w = io.Discard
	}

	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("cases"),
		progressbar.OptionClearOnFinish(),
	)
}
