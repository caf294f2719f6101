package safetensors

import (
	"io"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// File provides access to the tensors of a .safetensors file, memory-mapped.
type File struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	Header     *Header
}

// Open parses the header of a .safetensors file and memory-maps it for reading.
func Open(path string) (*File, error) {
	header, dataOffset, err := parseHeader(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse header for %s", path)
	}
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	return &File{
		reader:     reader,
		dataOffset: dataOffset,
		Header:     header,
	}, nil
}

// Close closes the underlying memory-mapped file.
func (f *File) Close() error {
	return f.reader.Close()
}

// Metadata returns the string metadata stored in the file header.
func (f *File) Metadata() map[string]string {
	return f.Header.Metadata
}

// Names returns the tensor names sorted by their offset in the file.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Header.Tensors))
	for name := range f.Header.Tensors {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		oa, ob := f.Header.Tensors[a].DataOffsets[0], f.Header.Tensors[b].DataOffsets[0]
		if oa < ob {
			return -1
		}
		if oa > ob {
			return 1
		}
		return 0
	})
	return names
}

// ReadTensor reads a tensor by name from the memory-mapped file.
func (f *File) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	meta, ok := f.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found", tensorName)
	}

	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, err
	}
	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))

	// Read from mmap directly into tensor memory
	tensorOffset := f.dataOffset + meta.DataOffsets[0]
	var readErr error
	t.MutableBytes(func(data []byte) {
		expectedBytes := int64(t.Shape().Size()) * int64(dtype.Size())
		if int64(len(data)) != expectedBytes || meta.DataOffsets[1]-meta.DataOffsets[0] != expectedBytes {
			readErr = errors.Errorf("tensor %s with shape %s expected %d bytes, but got %d bytes (offsets %v)",
				tensorName, t.Shape(), expectedBytes, len(data), meta.DataOffsets)
			return
		}
		_, readErr = f.reader.ReadAt(data, tensorOffset)
		if readErr != nil && readErr != io.EOF {
			readErr = errors.Wrapf(readErr, "failed to read tensor %s", tensorName)
		} else {
			readErr = nil
		}
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}

// IterTensors returns an iterator over all tensors, read sequentially in file order.
func (f *File) IterTensors() func(yield func(TensorAndName, error) bool) {
	return func(yield func(TensorAndName, error) bool) {
		for _, name := range f.Names() {
			tensor, err := f.ReadTensor(name)
			if err != nil {
				yield(TensorAndName{}, err)
				return
			}
			if !yield(TensorAndName{Name: name, Tensor: tensor}, nil) {
				return
			}
		}
	}
}
