package safetensors

import (
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-op-parity/internal/tensor"
)

func TestEncodeOpen_RoundTripAllDTypes(t *testing.T) {
	in := map[string]*tensor.Tensor{
		"f64":  tensor.MustNew(tensor.Float64, []float64{1.5, -2.25}, 2),
		"f32":  tensor.MustNew(tensor.Float32, []float64{1, 2, 3, 4, 5, 6}, 2, 3),
		"f16":  tensor.MustNew(tensor.Float16, []float64{0.1, 65504}, 2),
		"bf16": tensor.MustNew(tensor.BFloat16, []float64{3.140625}, 1),
		"i64":  tensor.MustNew(tensor.Int64, []float64{-7, 1 << 40}, 2),
		"i32":  tensor.MustNew(tensor.Int32, []float64{-3, 3}, 2),
		"bool": tensor.MustNew(tensor.Bool, []float64{1, 0, 1}, 3),
	}

	data, err := EncodeTensors(in, map[string]string{"stage": "backend"})
	if err != nil {
		t.Fatalf("EncodeTensors: %v", err)
	}

	st, err := OpenStoreFromBytes(data)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer st.Close()

	if got := strings.Join(st.Names(), ","); got != "bf16,bool,f16,f32,f64,i32,i64" {
		t.Fatalf("Names() = %q", got)
	}

	if st.Metadata()["stage"] != "backend" {
		t.Fatalf("Metadata() = %v", st.Metadata())
	}

	all, err := st.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	for name, want := range in {
		got := all[name]
		if got.DType() != want.DType() {
			t.Errorf("%s dtype = %s; want %s", name, got.DType(), want.DType())
		}

		if !tensor.EqualShape(got.Shape(), want.Shape()) {
			t.Errorf("%s shape = %v; want %v", name, got.Shape(), want.Shape())
		}

		for i, v := range want.RawData() {
			if got.RawData()[i] != v {
				t.Errorf("%s[%d] = %v; want %v", name, i, got.RawData()[i], v)
			}
		}
	}
}

func TestWriteFile_OpenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.safetensors")

	err := WriteFile(path, map[string]*tensor.Tensor{
		"logit": tensor.MustNew(tensor.Float32, []float64{1, 2}, 1, 2),
	}, nil)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	if !st.Has("logit") || st.Has("missing") {
		t.Fatalf("Has() mismatch: names=%v", st.Names())
	}

	_, err = st.Tensor("missing")
	if err == nil || !strings.Contains(err.Error(), "available: logit") {
		t.Fatalf("Tensor(missing) error = %v", err)
	}
}

func TestOpenStoreFromBytes_Errors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   int
		want   string
	}{
		{"unsupported dtype", `{"x":{"dtype":"U8","shape":[1],"data_offsets":[0,1]}}`, 1, "unsupported dtype"},
		{"short data", `{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`, 4, "needs 8 bytes"},
		{"past end", `{"x":{"dtype":"F32","shape":[1],"data_offsets":[0,8]}}`, 4, "exceeds file size"},
		{"bad offsets", `{"x":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, 4, "invalid data offsets"},
		{"empty", `{}`, 0, "no tensors"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenStoreFromBytes(rawFile(tt.header, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v; want substring %q", err, tt.want)
			}
		})
	}

	if _, err := OpenStoreFromBytes([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short file")
	}
}

func TestEncodeTensors_Rejects(t *testing.T) {
	if _, err := EncodeTensors(nil, nil); err == nil {
		t.Fatal("expected error for empty input")
	}

	if _, err := EncodeTensors(map[string]*tensor.Tensor{"x": nil}, nil); err == nil {
		t.Fatal("expected error for nil tensor")
	}

	if _, err := EncodeTensors(map[string]*tensor.Tensor{" ": tensor.MustNew(tensor.Float32, []float64{1}, 1)}, nil); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func rawFile(header string, body int) []byte {
	out := make([]byte, 8, 8+len(header)+body)
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)

	return append(out, make([]byte, body)...)
}
