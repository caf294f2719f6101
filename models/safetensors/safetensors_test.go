package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, ts []TensorAndName, metadata map[string]string) string {
	path := filepath.Join(t.TempDir(), "params.safetensors")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, ts, metadata))
	require.NoError(t, f.Close())
	return path
}

func TestWriteAndRead(t *testing.T) {
	a, err := FromFloat64([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	b, err := FromFloat64([]float64{-0.5}, 1, 1)
	require.NoError(t, err)
	path := writeTestFile(t, []TensorAndName{{"encoder.embedding", a}, {"decoder.out.bias", b}},
		map[string]string{"variant": "gru"})

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	assert.Equal(t, "gru", f.Metadata()["variant"])
	assert.Equal(t, []string{"encoder.embedding", "decoder.out.bias"}, f.Names())

	meta := f.Header.Tensors["encoder.embedding"]
	assert.Equal(t, "F64", meta.Dtype)
	assert.Equal(t, []int{2, 3}, meta.Shape)
	assert.Equal(t, [2]int64{0, 48}, meta.DataOffsets)

	tensor, err := f.ReadTensor("encoder.embedding")
	require.NoError(t, err)
	data, dims, err := ToFloat64(tensor)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, data)
	assert.Equal(t, []int{2, 3}, dims)

	var names []string
	for tn, err := range f.IterTensors() {
		require.NoError(t, err)
		names = append(names, tn.Name)
	}
	assert.Equal(t, []string{"encoder.embedding", "decoder.out.bias"}, names)

	_, err = f.ReadTensor("non_existent_tensor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHeaderAlignment(t *testing.T) {
	a, err := FromFloat64([]float64{1}, 1)
	require.NoError(t, err)
	path := writeTestFile(t, []TensorAndName{{"x", a}}, nil)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	assert.Zero(t, (8+headerSize)%headerAlignment)
	assert.Equal(t, uint64(len(raw)), 8+headerSize+8)
}

func TestWriteErrors(t *testing.T) {
	a, err := FromFloat64([]float64{1}, 1)
	require.NoError(t, err)
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "dup.safetensors"))
	require.NoError(t, err)
	defer f.Close()
	err = Write(f, []TensorAndName{{"x", a}, {"x", a}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = FromFloat64([]float64{1, 2, 3}, 2, 2)
	require.Error(t, err)
}

func TestOpenInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}, 0644))
	_, err := Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestDtypeToGoMLX(t *testing.T) {
	tests := []struct {
		dtype    string
		expected int
	}{
		{"F64", 8},
		{"F32", 4},
		{"I64", 8},
		{"I32", 4},
	}
	for _, tt := range tests {
		t.Run(tt.dtype, func(t *testing.T) {
			gomlxDtype, err := dtypeToGoMLX(tt.dtype)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, gomlxDtype.Size())
			name, err := dtypeToSafetensors(gomlxDtype)
			require.NoError(t, err)
			assert.Equal(t, tt.dtype, name)
		})
	}
	_, err := dtypeToGoMLX("X99")
	require.Error(t, err)
	_, err = dtypeToSafetensors(dtypes.Bool)
	require.Error(t, err)
}
