// Package gguf reads the header region of GGUF model files: the magic/version
// header, the typed key-value metadata table, and the tensor descriptor table.
// Tensor payloads are never read; sizes are computed from declared element
// counts and the quantization type, so multi-gigabyte files cost only a few
// kilobytes of I/O.
package gguf

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
)

const (
	magicLE = 0x46554747 // "GGUF" read little-endian
	magicBE = 0x47475546 // byte-swapped writers exist in the wild

	defaultAlignment = 32

	// Upper bounds applied while parsing so a truncated or hostile file
	// fails fast instead of attempting a giant allocation.
	maxStringLen  = 1 << 24
	maxTensorDims = 8
)

// TensorInfo describes one tensor from the descriptor table. Offset is
// relative to the start of the tensor data region.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   Type
	Offset uint64
}

// Elements returns the declared element count (product of dimensions).
func (t TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Bytes returns the stored size of the tensor, derived from the element
// count and the type's block encoding. No payload bytes are consulted.
func (t TensorInfo) Bytes() uint64 {
	return t.Elements() * uint64(t.Type.TypeSize()) / uint64(t.Type.BlockSize())
}

// File is the decoded header region of a GGUF file.
type File struct {
	Version          uint32
	KV               map[string]Value
	Tensors          []TensorInfo
	TensorDataOffset uint64
}

// readState tracks how many bytes have been consumed so the tensor data
// offset can be computed without seeking back and forth.
type readState struct {
	r    io.Reader
	path string
	pos  uint64
	v1   bool // version 1 uses 32-bit counts and lengths
}

func (s *readState) read(buf []byte) error {
	n, err := io.ReadFull(s.r, buf)
	s.pos += uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrFormat(s.path, "truncated at byte %d", s.pos)
		}
		return err
	}
	return nil
}

func (s *readState) u32() (uint32, error) {
	var b [4]byte
	if err := s.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *readState) u64() (uint64, error) {
	var b [8]byte
	if err := s.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// count reads a length field: 32-bit in v1, 64-bit in v2/v3.
func (s *readState) count() (uint64, error) {
	if s.v1 {
		v, err := s.u32()
		return uint64(v), err
	}
	return s.u64()
}

func (s *readState) str() (string, error) {
	n, err := s.count()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", ErrFormat(s.path, "string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if err := s.read(buf); err != nil {
		return "", err
	}
	// Some writers NUL-terminate strings.
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

// Open reads and decodes the header region of the GGUF file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, path)
}

// Decode parses the header region from r. The path argument is used only for
// error messages. Reading stops at the end of the tensor descriptor table.
func Decode(r io.Reader, path string) (*File, error) {
	s := &readState{r: r, path: path}

	magic, err := s.u32()
	if err != nil {
		return nil, err
	}
	if magic != magicLE && magic != magicBE {
		return nil, ErrFormat(path, "bad magic 0x%08x", magic)
	}
	version, err := s.u32()
	if err != nil {
		return nil, err
	}
	switch version {
	case 1:
		s.v1 = true
	case 2, 3:
	default:
		return nil, ErrFormat(path, "unsupported version %d", version)
	}

	tensorCount, err := s.count()
	if err != nil {
		return nil, err
	}
	kvCount, err := s.count()
	if err != nil {
		return nil, err
	}

	kv := make(map[string]Value, kvCount)
	for i := uint64(0); i < kvCount; i++ {
		key, err := s.str()
		if err != nil {
			return nil, err
		}
		kindRaw, err := s.u32()
		if err != nil {
			return nil, err
		}
		kind := ValueKind(kindRaw)
		if !kind.valid() {
			return nil, ErrFormat(path, "key %q: unknown value kind %d", key, kindRaw)
		}
		val, err := s.value(kind)
		if err != nil {
			return nil, err
		}
		kv[key] = val
	}

	tensors := make([]TensorInfo, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		name, err := s.str()
		if err != nil {
			return nil, err
		}
		nDims, err := s.u32()
		if err != nil {
			return nil, err
		}
		if nDims > maxTensorDims {
			return nil, ErrFormat(path, "tensor %q: %d dimensions", name, nDims)
		}
		dims := make([]uint64, nDims)
		for j := range dims {
			if s.v1 {
				d, err := s.u32()
				if err != nil {
					return nil, err
				}
				dims[j] = uint64(d)
			} else {
				d, err := s.u64()
				if err != nil {
					return nil, err
				}
				dims[j] = d
			}
		}
		typRaw, err := s.u32()
		if err != nil {
			return nil, err
		}
		typ := Type(typRaw)
		if !typ.Valid() {
			return nil, ErrFormat(path, "tensor %q: unknown type %d", name, typRaw)
		}
		offset, err := s.u64()
		if err != nil {
			return nil, err
		}
		tensors = append(tensors, TensorInfo{Name: name, Dims: dims, Type: typ, Offset: offset})
	}

	alignment := uint64(defaultAlignment)
	if v, ok := kv["general.alignment"]; ok {
		if a, err := v.Uint("general.alignment"); err == nil && a > 0 {
			alignment = a
		}
	}
	dataOffset := (s.pos + alignment - 1) / alignment * alignment

	return &File{
		Version:          version,
		KV:               kv,
		Tensors:          tensors,
		TensorDataOffset: dataOffset,
	}, nil
}

func (s *readState) value(kind ValueKind) (Value, error) {
	v := Value{Kind: kind}
	switch kind {
	case KindUint8:
		var b [1]byte
		if err := s.read(b[:]); err != nil {
			return v, err
		}
		v.U64 = uint64(b[0])
	case KindInt8:
		var b [1]byte
		if err := s.read(b[:]); err != nil {
			return v, err
		}
		v.I64 = int64(int8(b[0]))
	case KindUint16:
		var b [2]byte
		if err := s.read(b[:]); err != nil {
			return v, err
		}
		v.U64 = uint64(binary.LittleEndian.Uint16(b[:]))
	case KindInt16:
		var b [2]byte
		if err := s.read(b[:]); err != nil {
			return v, err
		}
		v.I64 = int64(int16(binary.LittleEndian.Uint16(b[:])))
	case KindUint32:
		u, err := s.u32()
		if err != nil {
			return v, err
		}
		v.U64 = uint64(u)
	case KindInt32:
		u, err := s.u32()
		if err != nil {
			return v, err
		}
		v.I64 = int64(int32(u))
	case KindUint64:
		u, err := s.u64()
		if err != nil {
			return v, err
		}
		v.U64 = u
	case KindInt64:
		u, err := s.u64()
		if err != nil {
			return v, err
		}
		v.I64 = int64(u)
	case KindFloat32:
		u, err := s.u32()
		if err != nil {
			return v, err
		}
		v.F64 = float64(math.Float32frombits(u))
	case KindFloat64:
		u, err := s.u64()
		if err != nil {
			return v, err
		}
		v.F64 = math.Float64frombits(u)
	case KindBool:
		var b [1]byte
		if err := s.read(b[:]); err != nil {
			return v, err
		}
		switch b[0] {
		case 0:
			v.Bool = false
		case 1:
			v.Bool = true
		default:
			return v, ErrFormat(s.path, "invalid bool byte %d", b[0])
		}
	case KindString:
		str, err := s.str()
		if err != nil {
			return v, err
		}
		v.Str = str
	case KindArray:
		elemRaw, err := s.u32()
		if err != nil {
			return v, err
		}
		elemKind := ValueKind(elemRaw)
		if !elemKind.valid() {
			return v, ErrFormat(s.path, "array element kind %d", elemRaw)
		}
		n, err := s.count()
		if err != nil {
			return v, err
		}
		arr := make([]Value, 0, min64(n, 1<<16))
		for i := uint64(0); i < n; i++ {
			elem, err := s.value(elemKind)
			if err != nil {
				return v, err
			}
			arr = append(arr, elem)
		}
		v.Arr = arr
	}
	return v, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
