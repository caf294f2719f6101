package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// headerAlignment is the alignment of the data section, the header is padded with spaces to it.
const headerAlignment = 8

// Write writes the tensors, in the given order, and the metadata in safetensors format.
func Write(w io.Writer, ts []TensorAndName, metadata map[string]string) error {
	header := make(map[string]any, len(ts)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	data := make([][]byte, len(ts))
	for i, tn := range ts {
		if _, found := header[tn.Name]; found || tn.Name == "" {
			return errors.Errorf("invalid or duplicate tensor name %q", tn.Name)
		}
		shape := tn.Tensor.Shape()
		stDtype, err := dtypeToSafetensors(shape.DType)
		if err != nil {
			return errors.WithMessagef(err, "tensor %s", tn.Name)
		}
		tn.Tensor.MutableBytes(func(raw []byte) {
			data[i] = bytes.Clone(raw)
		})
		size := int64(len(data[i]))
		header[tn.Name] = &TensorMetadata{
			Dtype:       stDtype,
			Shape:       shape.Dimensions,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal safetensors header")
	}
	if rem := (8 + len(headerBytes)) % headerAlignment; rem != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), headerAlignment-rem)...)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write safetensors header size")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}
	for i, raw := range data {
		if _, err := w.Write(raw); err != nil {
			return errors.Wrapf(err, "failed to write tensor %s", ts[i].Name)
		}
	}
	return nil
}

// FromFloat64 creates a Float64 tensor with the given dimensions from row-major data.
func FromFloat64(data []float64, dims ...int) (*tensors.Tensor, error) {
	t := tensors.FromShape(shapes.Make(dtypes.Float64, dims...))
	if t.Shape().Size() != len(data) {
		return nil, errors.Errorf("%d values don't fit shape %v", len(data), dims)
	}
	t.MutableBytes(func(raw []byte) {
		for i, v := range data {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
		}
	})
	return t, nil
}

// ToFloat64 returns the row-major values and dimensions of a Float64 tensor.
func ToFloat64(t *tensors.Tensor) ([]float64, []int, error) {
	shape := t.Shape()
	if shape.DType != dtypes.Float64 {
		return nil, nil, errors.Errorf("expected a Float64 tensor, got %s", shape)
	}
	data := make([]float64, shape.Size())
	t.MutableBytes(func(raw []byte) {
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	})
	return data, shape.Dimensions, nil
}
