// Package safetensors reads and writes the SafeTensors container format used
// for model checkpoints.
//
// Format specification: https://huggingface.co/docs/safetensors/
//
// File structure:
//   - 8 bytes: header size N (little-endian uint64)
//   - N bytes: JSON header with tensor metadata and an optional __metadata__ map
//   - Remaining bytes: raw tensor data (contiguous, little-endian)
//
// Checkpoints store their hyperparameter record as a JSON string inside the
// __metadata__ map, so a single file carries both weights and the training
// arguments they were produced with.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// File represents a parsed safetensors file.
type File struct {
	// Metadata contains optional file-level metadata (e.g., the hyperparameter record).
	Metadata map[string]string

	// Tensors contains all tensors in the file, keyed by name.
	Tensors map[string]*TensorInfo

	// data holds the raw tensor data buffer.
	data []byte
}

// TensorInfo contains metadata about a tensor.
type TensorInfo struct {
	Name   string
	DType  dtypes.DType
	Shape  shapes.Shape
	offset uint64 // start offset in data buffer
	length uint64 // length in bytes
}

// headerEntry is used for JSON marshaling of header tensor entries.
type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Open reads and parses a safetensors file from disk.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors file %q", path)
	}
	return Parse(data)
}

// Parse parses safetensors data from a byte buffer.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, errors.New("safetensors: file too small, missing header size")
	}

	// Read header size (first 8 bytes, little-endian uint64).
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, errors.Errorf("safetensors: header size %d exceeds file size %d", headerSize, len(data)-8)
	}

	// Parse JSON header.
	headerBytes := data[8 : 8+headerSize]
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, errors.Wrapf(err, "safetensors: failed to parse JSON header")
	}

	f := &File{
		Metadata: make(map[string]string),
		Tensors:  make(map[string]*TensorInfo),
		data:     data[8+headerSize:],
	}

	// Process header entries.
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &f.Metadata); err != nil {
				return nil, errors.Wrapf(err, "safetensors: failed to parse __metadata__")
			}
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errors.Wrapf(err, "safetensors: failed to parse tensor %q", name)
		}

		dtype, err := parseDType(entry.DType)
		if err != nil {
			return nil, errors.Wrapf(err, "safetensors: tensor %q", name)
		}

		f.Tensors[name] = &TensorInfo{
			Name:   name,
			DType:  dtype,
			Shape:  shapes.Make(dtype, entry.Shape...),
			offset: uint64(entry.DataOffsets[0]),
			length: uint64(entry.DataOffsets[1] - entry.DataOffsets[0]),
		}
	}

	return f, nil
}

// ListTensorNames returns all tensor names in sorted order.
func (f *File) ListTensorNames() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns information about a tensor by name.
func (f *File) Get(name string) (*TensorInfo, bool) {
	info, ok := f.Tensors[name]
	return info, ok
}

// Data returns the raw bytes for a tensor.
func (f *File) Data(name string) ([]byte, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, errors.Errorf("safetensors: tensor %q not found", name)
	}

	end := info.offset + info.length
	if end > uint64(len(f.data)) {
		return nil, errors.Errorf("safetensors: tensor %q data out of bounds", name)
	}

	return f.data[info.offset:end], nil
}

// GetTensor materializes a named tensor as a GoMLX tensor.
func (f *File) GetTensor(name string) (*tensors.Tensor, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, errors.Errorf("safetensors: tensor %q not found", name)
	}

	data, err := f.Data(name)
	if err != nil {
		return nil, err
	}

	t := tensors.FromShape(info.Shape)

	var copyErr error
	accessErr := t.MutableBytes(func(tensorBytes []byte) {
		if len(data) != len(tensorBytes) {
			copyErr = errors.Errorf("safetensors: tensor %q data size mismatch: got %d bytes, expected %d",
				name, len(data), len(tensorBytes))
			return
		}
		copy(tensorBytes, data)
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if copyErr != nil {
		return nil, copyErr
	}

	return t, nil
}

// Serialize encodes tensors and metadata into safetensors bytes.
// Tensors are laid out contiguously in name order for determinism.
func Serialize(values map[string]*tensors.Tensor, metadata map[string]string) ([]byte, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(values)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var data []byte
	for _, name := range names {
		t := values[name]
		raw, err := tensorBytes(t)
		if err != nil {
			return nil, errors.Wrapf(err, "safetensors: tensor %q", name)
		}
		ds, err := dtypeString(t.DType())
		if err != nil {
			return nil, errors.Wrapf(err, "safetensors: tensor %q", name)
		}
		start := int64(len(data))
		data = append(data, raw...)
		header[name] = headerEntry{
			DType:       ds,
			Shape:       t.Shape().Dimensions,
			DataOffsets: [2]int64{start, int64(len(data))},
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "safetensors: failed to marshal header")
	}

	out := make([]byte, 0, 8+len(headerBytes)+len(data))
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(headerBytes)))
	out = append(out, sizeBuf[:]...)
	out = append(out, headerBytes...)
	out = append(out, data...)
	return out, nil
}

// WriteFile serializes tensors and metadata to a safetensors file on disk.
func WriteFile(path string, values map[string]*tensors.Tensor, metadata map[string]string) error {
	data, err := Serialize(values, metadata)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write safetensors file %q", path)
	}
	return nil
}

// tensorBytes extracts a tensor's flat data as little-endian bytes.
func tensorBytes(t *tensors.Tensor) ([]byte, error) {
	switch t.DType() {
	case dtypes.Float64:
		flat := tensors.MustCopyFlatData[float64](t)
		out := make([]byte, 8*len(flat))
		for i, v := range flat {
			binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
		}
		return out, nil
	case dtypes.Float32:
		flat := tensors.MustCopyFlatData[float32](t)
		out := make([]byte, 4*len(flat))
		for i, v := range flat {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	case dtypes.Int64:
		flat := tensors.MustCopyFlatData[int64](t)
		out := make([]byte, 8*len(flat))
		for i, v := range flat {
			binary.LittleEndian.PutUint64(out[8*i:], uint64(v))
		}
		return out, nil
	case dtypes.Int32:
		flat := tensors.MustCopyFlatData[int32](t)
		out := make([]byte, 4*len(flat))
		for i, v := range flat {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported dtype %s for writing", t.DType())
	}
}

// dtypeString converts a GoMLX DType to a safetensors dtype string.
func dtypeString(d dtypes.DType) (string, error) {
	switch d {
	case dtypes.Float64:
		return "F64", nil
	case dtypes.Float32:
		return "F32", nil
	case dtypes.Int64:
		return "I64", nil
	case dtypes.Int32:
		return "I32", nil
	default:
		return "", errors.Errorf("unsupported dtype %s for writing", d)
	}
}

// parseDType converts a safetensors dtype string to a GoMLX DType.
func parseDType(s string) (dtypes.DType, error) {
	switch s {
	case "F64":
		return dtypes.Float64, nil
	case "F32":
		return dtypes.Float32, nil
	case "F16":
		return dtypes.Float16, nil
	case "BF16":
		return dtypes.BFloat16, nil
	case "I64":
		return dtypes.Int64, nil
	case "I32":
		return dtypes.Int32, nil
	case "I16":
		return dtypes.Int16, nil
	case "I8":
		return dtypes.Int8, nil
	case "U64":
		return dtypes.Uint64, nil
	case "U32":
		return dtypes.Uint32, nil
	case "U16":
		return dtypes.Uint16, nil
	case "U8":
		return dtypes.Uint8, nil
	case "BOOL":
		return dtypes.Bool, nil
	default:
		return dtypes.InvalidDType, fmt.Errorf("unknown dtype %q", s)
	}
}

// String returns a summary of the file contents.
func (f *File) String() string {
	return fmt.Sprintf("SafeTensors{tensors: %d, metadata: %v}", len(f.Tensors), f.Metadata)
}
