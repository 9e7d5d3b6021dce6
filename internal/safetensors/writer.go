package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/example/go-op-parity/internal/tensor"
	"github.com/x448/float16"
)

// EncodeTensors serializes named tensors in their own dtype. metadata may be nil.
func EncodeTensors(tensors map[string]*tensor.Tensor, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}

	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var raw []byte

	for _, name := range names {
		t := tensors[name]
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if t == nil {
			return nil, fmt.Errorf("safetensors: tensor %q is nil", name)
		}

		fd, err := fileDType(t.DType())
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		start := len(raw)
		raw = appendTensorData(raw, fd, t.RawData())

		header[name] = storeHeaderEntry{
			DType:   fd,
			Shape:   t.Shape(),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes tensors into a .safetensors file.
func WriteFile(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	data, err := EncodeTensors(tensors, metadata)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}

func appendTensorData(raw []byte, fd string, data []float64) []byte {
	for _, v := range data {
		switch fd {
		case dtypeF64:
			raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(v))
		case dtypeF32:
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(float32(v)))
		case dtypeF16:
			raw = binary.LittleEndian.AppendUint16(raw, float16.Fromfloat32(float32(v)).Bits())
		case dtypeBF16:
			raw = binary.LittleEndian.AppendUint16(raw, uint16(math.Float32bits(float32(v))>>16))
		case dtypeI64:
			raw = binary.LittleEndian.AppendUint64(raw, uint64(int64(v)))
		case dtypeI32:
			raw = binary.LittleEndian.AppendUint32(raw, uint32(int32(v)))
		case dtypeBool:
			b := byte(0)
			if v != 0 {
				b = 1
			}
			raw = append(raw, b)
		}
	}

	return raw
}
