package gguf

// ValueKind is the wire type tag of a metadata value.
type ValueKind uint32

const (
	KindUint8 ValueKind = iota
	KindInt8
	KindUint16
	KindInt16
	KindUint32
	KindInt32
	KindFloat32
	KindBool
	KindString
	KindArray
	KindUint64
	KindInt64
	KindFloat64
)

func (k ValueKind) valid() bool { return k <= KindFloat64 }

// Value holds one typed metadata entry. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	U64  uint64
	I64  int64
	F64  float64
	Bool bool
	Str  string
	Arr  []Value
}

// Uint returns the value as uint64, upcasting smaller unsigned integers and
// bools the way llama.cpp consumers do.
func (v Value) Uint(key string) (uint64, error) {
	switch v.Kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.U64, nil
	case KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, ErrSchema(key, "not an unsigned integer")
	}
}

// Int returns the value as int64.
func (v Value) Int(key string) (int64, error) {
	switch v.Kind {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.I64, nil
	case KindUint8, KindUint16, KindUint32:
		return int64(v.U64), nil
	default:
		return 0, ErrSchema(key, "not an integer")
	}
}

// Float returns the value as float64.
func (v Value) Float(key string) (float64, error) {
	switch v.Kind {
	case KindFloat32, KindFloat64:
		return v.F64, nil
	default:
		return 0, ErrSchema(key, "not a float")
	}
}

// String returns the value as a string.
func (v Value) String(key string) (string, error) {
	if v.Kind != KindString {
		return "", ErrSchema(key, "not a string")
	}
	return v.Str, nil
}

// Array returns the value's elements.
func (v Value) Array(key string) ([]Value, error) {
	if v.Kind != KindArray {
		return nil, ErrSchema(key, "not an array")
	}
	return v.Arr, nil
}
