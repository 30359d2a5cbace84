package kv

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	. "github.com/stevegt/goadapt"
)

// Type identifies the shape of a stored value.
type Type uint8

const (
	TypeBlob Type = iota + 1
	TypeStr
	TypeI64
	TypeU64
	TypeF64
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeBlob:
		return "blob"
	case TypeStr:
		return "str"
	case TypeI64:
		return "i64"
	case TypeU64:
		return "u64"
	case TypeF64:
		return "f64"
	case TypeBool:
		return "bool"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Value is a typed value as stored in a table.  The harness itself
// only ever writes Blob.
type Value interface {
	Type() Type
}

type (
	Blob []byte
	Str  string
	I64  int64
	U64  uint64
	F64  float64
	Bool bool
)

func (Blob) Type() Type { return TypeBlob }
func (Str) Type() Type  { return TypeStr }
func (I64) Type() Type  { return TypeI64 }
func (U64) Type() Type  { return TypeU64 }
func (F64) Type() Type  { return TypeF64 }
func (Bool) Type() Type { return TypeBool }

// wireValue is the on-disk form of a Value: a two-element CBOR array
// of the type tag and the CBOR-encoded payload.
type wireValue struct {
	_    struct{} `cbor:",toarray"`
	Type Type
	Data cbor.RawMessage
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	Ck(err)
	decMode, err = cbor.DecOptions{}.DecMode()
	Ck(err)
}

// EncodeValue returns the stored representation of v.
func EncodeValue(v Value) (buf []byte, err error) {
	defer Return(&err)
	var payload interface{}
	switch v := v.(type) {
	case Blob:
		payload = []byte(v)
	case Str:
		payload = string(v)
	case I64:
		payload = int64(v)
	case U64:
		payload = uint64(v)
	case F64:
		payload = float64(v)
	case Bool:
		payload = bool(v)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrValueType, v)
	}
	data, err := encMode.Marshal(payload)
	Ck(err)
	buf, err = encMode.Marshal(wireValue{Type: v.Type(), Data: data})
	Ck(err)
	return
}

// DecodeValue parses a stored representation.  Bytes that are not a
// value at all yield ErrCorruptValue.
func DecodeValue(buf []byte) (v Value, err error) {
	var w wireValue
	err = decMode.Unmarshal(buf, &w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptValue, err)
	}
	switch w.Type {
	case TypeBlob:
		var b []byte
		err = decMode.Unmarshal(w.Data, &b)
		v = Blob(b)
	case TypeStr:
		var s string
		err = decMode.Unmarshal(w.Data, &s)
		v = Str(s)
	case TypeI64:
		var i int64
		err = decMode.Unmarshal(w.Data, &i)
		v = I64(i)
	case TypeU64:
		var u uint64
		err = decMode.Unmarshal(w.Data, &u)
		v = U64(u)
	case TypeF64:
		var f float64
		err = decMode.Unmarshal(w.Data, &f)
		v = F64(f)
	case TypeBool:
		var b bool
		err = decMode.Unmarshal(w.Data, &b)
		v = Bool(b)
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrCorruptValue, w.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrCorruptValue, w.Type, err)
	}
	return
}

// decodeBlob decodes buf and insists on a Blob.
func decodeBlob(buf []byte) (b []byte, err error) {
	v, err := DecodeValue(buf)
	if err != nil {
		return
	}
	blob, ok := v.(Blob)
	if !ok {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrValueType, TypeBlob, v.Type())
	}
	return []byte(blob), nil
}
