package entity

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// ValueKind is also written on the wire as an RPC parameter type.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat32
	KindString
	KindVec3
	KindQuat
	KindBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindString:
		return "string"
	case KindVec3:
		return "vec3"
	case KindQuat:
		return "quat"
	case KindBytes:
		return "bytes"
	default:
		return "invalid"
	}
}

// Value is a typed property or RPC argument.
type Value struct {
	kind ValueKind
	num  uint64
	vec  [4]float32
	str  string
	raw  []byte
}

func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

func Int32(v int32) Value { return Value{kind: KindInt32, num: uint64(uint32(v))} }

func Int64(v int64) Value { return Value{kind: KindInt64, num: uint64(v)} }

func Float32(v float32) Value { return Value{kind: KindFloat32, vec: [4]float32{v}} }

func String(v string) Value { return Value{kind: KindString, str: v} }

func Vec3(v mgl32.Vec3) Value { return Value{kind: KindVec3, vec: [4]float32{v[0], v[1], v[2]}} }

func Quat(q mgl32.Quat) Value {
	return Value{kind: KindQuat, vec: [4]float32{q.V[0], q.V[1], q.V[2], q.W}}
}

func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: append([]byte(nil), v...)} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Bool() bool { return v.kind == KindBool && v.num != 0 }

func (v Value) Int32() int32 {
	if v.kind != KindInt32 {
		return 0
	}
	return int32(uint32(v.num))
}

func (v Value) Int64() int64 {
	if v.kind != KindInt64 {
		return 0
	}
	return int64(v.num)
}

func (v Value) Float32() float32 {
	if v.kind != KindFloat32 {
		return 0
	}
	return v.vec[0]
}

func (v Value) Str() string { return v.str }

func (v Value) Vec3() mgl32.Vec3 {
	if v.kind != KindVec3 {
		return mgl32.Vec3{}
	}
	return mgl32.Vec3{v.vec[0], v.vec[1], v.vec[2]}
}

func (v Value) Quat() mgl32.Quat {
	if v.kind != KindQuat {
		return mgl32.QuatIdent()
	}
	return mgl32.Quat{W: v.vec[3], V: mgl32.Vec3{v.vec[0], v.vec[1], v.vec[2]}}
}

func (v Value) RawBytes() []byte { return append([]byte(nil), v.raw...) }

// Equal compares kind and bit pattern.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindFloat32, KindVec3, KindQuat:
		for i := range v.vec {
			if math.Float32bits(v.vec[i]) != math.Float32bits(o.vec[i]) {
				return false
			}
		}
		return true
	default:
		return v.num == o.num
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprint(v.Bool())
	case KindInt32:
		return fmt.Sprint(v.Int32())
	case KindInt64:
		return fmt.Sprint(v.Int64())
	case KindFloat32:
		return fmt.Sprint(v.Float32())
	case KindString:
		return v.str
	case KindVec3:
		return fmt.Sprint(v.Vec3())
	case KindQuat:
		return fmt.Sprint(v.vec)
	case KindBytes:
		return fmt.Sprintf("%d bytes", len(v.raw))
	default:
		return "<invalid>"
	}
}

// Encode writes the little-endian representation of v.
func (v Value) Encode() []byte {
	switch v.kind {
	case KindBool:
		return []byte{byte(v.num)}
	case KindInt32:
		return binary.LittleEndian.AppendUint32(nil, uint32(v.num))
	case KindInt64:
		return binary.LittleEndian.AppendUint64(nil, v.num)
	case KindFloat32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v.vec[0]))
	case KindString:
		return []byte(v.str)
	case KindVec3:
		return appendFloats(nil, v.vec[:3])
	case KindQuat:
		return appendFloats(nil, v.vec[:])
	case KindBytes:
		return append([]byte(nil), v.raw...)
	default:
		return nil
	}
}

func appendFloats(b []byte, fs []float32) []byte {
	for _, f := range fs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

var fixedSizes = map[ValueKind]int{
	KindBool:    1,
	KindInt32:   4,
	KindInt64:   8,
	KindFloat32: 4,
	KindVec3:    12,
	KindQuat:    16,
}

// DecodeValue parses data as a value of the given kind.
func DecodeValue(kind ValueKind, data []byte) (Value, error) {
	if want, fixed := fixedSizes[kind]; fixed && len(data) != want {
		return Value{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrValueSize, kind, want, len(data))
	}
	switch kind {
	case KindBool:
		return Bool(data[0] != 0), nil
	case KindInt32:
		return Int32(int32(binary.LittleEndian.Uint32(data))), nil
	case KindInt64:
		return Int64(int64(binary.LittleEndian.Uint64(data))), nil
	case KindFloat32:
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	case KindString:
		return String(string(data)), nil
	case KindVec3, KindQuat:
		v := Value{kind: kind}
		for i := 0; i*4 < len(data); i++ {
			v.vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return v, nil
	case KindBytes:
		return Bytes(data), nil
	default:
		return Value{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
}
