package config

import (
	"fmt"
	"slices"
	"strings"
)

// Pipeline stages in execution order. Each stage enables every compiler pass
// up to and including itself; StageDynamic is the eager reference.
const (
	StageDynamic       = "dynamic"
	StageToStatic      = "to_static"
	StagePrim          = "prim"
	StageInferSymbolic = "infer_symbolic"
	StageFrontend      = "frontend"
	StageBackend       = "backend"
)

var stageOrder = []string{
	StageDynamic,
	StageToStatic,
	StagePrim,
	StageInferSymbolic,
	StageFrontend,
	StageBackend,
}

var stageAliases = map[string]string{
	"eager":    StageDynamic,
	"dy":       StageDynamic,
	"static":   StageToStatic,
	"symbolic": StageInferSymbolic,
	"codegen":  StageBackend,
}

// Stages returns the stage names in pipeline order.
func Stages() []string {
	return slices.Clone(stageOrder)
}

func NormalizeStage(raw string) (string, error) {
	stage := strings.ToLower(strings.TrimSpace(raw))
	if stage == "" {
		return StageBackend, nil
	}

	if alias, ok := stageAliases[stage]; ok {
		return alias, nil
	}

	if slices.Contains(stageOrder, stage) {
		return stage, nil
	}

	return "", fmt.Errorf("invalid stage %q (expected %s)", raw, strings.Join(stageOrder, "|"))
}

// StageIndex returns the position of stage in the pipeline, or -1.
func StageIndex(stage string) int {
	return slices.Index(stageOrder, stage)
}

// PriorStage returns the stage run immediately before stage. StageDynamic has
// no prior stage.
func PriorStage(stage string) (string, bool) {
	idx := StageIndex(stage)
	if idx <= 0 {
		return "", false
	}

	return stageOrder[idx-1], true
}

// StageEnables reports whether running current includes pass.
func StageEnables(current, pass string) bool {
	ci, pi := StageIndex(current), StageIndex(pass)

	return ci >= 0 && pi >= 0 && pi <= ci
}
