package gguf

import "fmt"

// Type is a ggml tensor data type as encoded in GGUF tensor descriptors.
type Type uint32

const (
	TypeF32  Type = 0
	TypeF16  Type = 1
	TypeQ4_0 Type = 2
	TypeQ4_1 Type = 3
	TypeQ5_0 Type = 6
	TypeQ5_1 Type = 7
	TypeQ8_0 Type = 8
	TypeQ8_1 Type = 9
	TypeQ2K  Type = 10
	TypeQ3K  Type = 11
	TypeQ4K  Type = 12
	TypeQ5K  Type = 13
	TypeQ6K  Type = 14
	TypeQ8K  Type = 15
)

// Block sizes per the ggml k-quants layout. K-quants use 256-element
// super-blocks; the older Q*_0/Q*_1 formats use 32.
const (
	qk  = 32
	qkK = 256
)

type typeTraits struct {
	name      string
	typeSize  int // bytes per block
	blockSize int // elements per block
}

// Byte sizes mirror the ggml block struct layouts.
var typeTable = map[Type]typeTraits{
	TypeF32:  {"F32", 4, 1},
	TypeF16:  {"F16", 2, 1},
	TypeQ4_0: {"Q4_0", 2 + qk/2, qk},
	TypeQ4_1: {"Q4_1", 4 + qk/2, qk},
	TypeQ5_0: {"Q5_0", 2 + 4 + qk/2, qk},
	TypeQ5_1: {"Q5_1", 4 + 4 + qk/2, qk},
	TypeQ8_0: {"Q8_0", 2 + qk, qk},
	TypeQ8_1: {"Q8_1", 4 + qk, qk},
	TypeQ2K:  {"Q2_K", qkK/16 + qkK/4 + 4, qkK},
	TypeQ3K:  {"Q3_K", qkK/8 + qkK/4 + 12 + 2, qkK},
	TypeQ4K:  {"Q4_K", qkK/2 + 12 + 4, qkK},
	TypeQ5K:  {"Q5_K", qkK/8 + qkK/2 + 12 + 4, qkK},
	TypeQ6K:  {"Q6_K", 3*qkK/4 + qkK/16 + 2, qkK},
	TypeQ8K:  {"Q8_K", 4 + qkK + qkK/16*2, qkK},
}

// Valid reports whether t is a known tensor type.
func (t Type) Valid() bool {
	_, ok := typeTable[t]
	return ok
}

func (t Type) String() string {
	if tr, ok := typeTable[t]; ok {
		return tr.name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// TypeSize returns the byte size of one block of t.
func (t Type) TypeSize() int { return typeTable[t].typeSize }

// BlockSize returns the number of elements stored per block of t.
func (t Type) BlockSize() int {
	if tr, ok := typeTable[t]; ok {
		return tr.blockSize
	}
	return 1
}

// BitsPerWeight returns the effective storage density of t.
func (t Type) BitsPerWeight() float64 {
	if !t.Valid() {
		return 0
	}
	return float64(t.TypeSize()) * 8 / float64(t.BlockSize())
}

// fileTypeNames maps general.file_type values to the conventional
// quantization label used in model filenames.
var fileTypeNames = map[uint64]string{
	0:  "F32",
	1:  "F16",
	2:  "Q4_0",
	3:  "Q4_1",
	7:  "Q8_0",
	8:  "Q5_0",
	9:  "Q5_1",
	10: "Q2_K",
	11: "Q3_K_S",
	12: "Q3_K_M",
	13: "Q3_K_L",
	14: "Q4_K_S",
	15: "Q4_K_M",
	16: "Q5_K_S",
	17: "Q5_K_M",
	18: "Q6_K",
}
