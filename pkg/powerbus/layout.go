package powerbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

type Kind uint8

const (
	KIND_UINT8 Kind = iota
	KIND_INT8
	KIND_UINT16
	KIND_INT16
	KIND_UINT32
	KIND_INT32
	KIND_FLOAT32
	KIND_BYTES
	KIND_STRING
)

func (k Kind) String() string {
	switch k {
	case KIND_UINT8:
		return "uint8"
	case KIND_INT8:
		return "int8"
	case KIND_UINT16:
		return "uint16"
	case KIND_INT16:
		return "int16"
	case KIND_UINT32:
		return "uint32"
	case KIND_INT32:
		return "int32"
	case KIND_FLOAT32:
		return "float32"
	case KIND_BYTES:
		return "bytes"
	case KIND_STRING:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is one typed element of a payload layout. Numeric fields with a
// Count greater than one are fixed size arrays. Bytes and string fields use
// Size as their fixed length.
type Field struct {
	Name  string
	Kind  Kind
	Size  int
	Count int
}

// Layout is the ordered sequence of fields making up a payload.
type Layout []Field

func U8(name string) Field  { return Field{Name: name, Kind: KIND_UINT8} }
func I8(name string) Field  { return Field{Name: name, Kind: KIND_INT8} }
func U16(name string) Field { return Field{Name: name, Kind: KIND_UINT16} }
func I16(name string) Field { return Field{Name: name, Kind: KIND_INT16} }
func U32(name string) Field { return Field{Name: name, Kind: KIND_UINT32} }
func I32(name string) Field { return Field{Name: name, Kind: KIND_INT32} }
func F32(name string) Field { return Field{Name: name, Kind: KIND_FLOAT32} }

func Bytes(name string, size int) Field {
	return Field{Name: name, Kind: KIND_BYTES, Size: size}
}

func String(name string, size int) Field {
	return Field{Name: name, Kind: KIND_STRING, Size: size}
}

// Repeat turns a numeric field into a fixed size array of count elements.
// Commands reject repeated bytes and string fields.
func Repeat(count int, f Field) Field {
	f.Count = count
	return f
}

func (f Field) repeated() bool {
	return f.Count > 1
}

func (f Field) elemSize() int {
	switch f.Kind {
	case KIND_UINT8, KIND_INT8:
		return 1
	case KIND_UINT16, KIND_INT16:
		return 2
	case KIND_UINT32, KIND_INT32, KIND_FLOAT32:
		return 4
	case KIND_BYTES, KIND_STRING:
		return f.Size
	}
	return 0
}

// Len is the number of payload bytes taken by the field.
func (f Field) Len() int {
	if f.repeated() {
		return f.elemSize() * f.Count
	}
	return f.elemSize()
}

// Len is the number of payload bytes taken by the whole layout.
func (l Layout) Len() int {
	n := 0
	for _, f := range l {
		n += f.Len()
	}
	return n
}

// Pack encodes args, one per field, into a little endian payload. Repeated
// fields take a slice of the element type with exactly Count elements.
func (l Layout) Pack(args ...any) ([]byte, error) {
	if len(args) != len(l) {
		return nil, &EncodingError{Reason: fmt.Sprintf("layout has %d fields, got %d arguments", len(l), len(args))}
	}
	buf := make([]byte, 0, l.Len())
	for i, f := range l {
		var err error
		buf, err = f.pack(buf, args[i])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (f Field) pack(buf []byte, arg any) ([]byte, error) {
	mismatch := func() error {
		return &EncodingError{Field: f.Name, Reason: fmt.Sprintf("expected %s, got %T", f.describe(), arg)}
	}
	if f.Kind == KIND_BYTES {
		v, ok := arg.([]byte)
		if !ok {
			return nil, mismatch()
		}
		if len(v) != f.Size {
			return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("expected %d bytes, got %d", f.Size, len(v))}
		}
		return append(buf, v...), nil
	}
	if f.Kind == KIND_STRING {
		v, ok := arg.(string)
		if !ok {
			return nil, mismatch()
		}
		if len(v) > f.Size {
			return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("string longer than %d bytes", f.Size)}
		}
		out := make([]byte, f.Size)
		copy(out, v)
		return append(buf, out...), nil
	}

	if f.repeated() {
		var n int
		switch v := arg.(type) {
		case []uint8:
			if f.Kind != KIND_UINT8 {
				return nil, mismatch()
			}
			n = len(v)
			if n == f.Count {
				buf = append(buf, v...)
			}
		case []int8:
			if f.Kind != KIND_INT8 {
				return nil, mismatch()
			}
			n = len(v)
			if n == f.Count {
				for _, e := range v {
					buf = append(buf, byte(e))
				}
			}
		case []uint16:
			if f.Kind != KIND_UINT16 {
				return nil, mismatch()
			}
			n = len(v)
			if n == f.Count {
				for _, e := range v {
					buf = binary.LittleEndian.AppendUint16(buf, e)
				}
			}
		case []int16:
			if f.Kind != KIND_INT16 {
				return nil, mismatch()
			}
			n = len(v)
			if n == f.Count {
				for _, e := range v {
					buf = binary.LittleEndian.AppendUint16(buf, uint16(e))
				}
			}
		case []uint32:
			if f.Kind != KIND_UINT32 {
				return nil, mismatch()
			}
			n = len(v)
			if n == f.Count {
				for _, e := range v {
					buf = binary.LittleEndian.AppendUint32(buf, e)
				}
			}
		case []int32:
			if f.Kind != KIND_INT32 {
				return nil, mismatch()
			}
			n = len(v)
			if n == f.Count {
				for _, e := range v {
					buf = binary.LittleEndian.AppendUint32(buf, uint32(e))
				}
			}
		case []float32:
			if f.Kind != KIND_FLOAT32 {
				return nil, mismatch()
			}
			n = len(v)
			if n == f.Count {
				for _, e := range v {
					buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(e))
				}
			}
		default:
			return nil, mismatch()
		}
		if n != f.Count {
			return nil, &EncodingError{Field: f.Name, Reason: fmt.Sprintf("expected %d elements, got %d", f.Count, n)}
		}
		return buf, nil
	}

	switch v := arg.(type) {
	case uint8:
		if f.Kind != KIND_UINT8 {
			return nil, mismatch()
		}
		return append(buf, v), nil
	case int8:
		if f.Kind != KIND_INT8 {
			return nil, mismatch()
		}
		return append(buf, byte(v)), nil
	case uint16:
		if f.Kind != KIND_UINT16 {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint16(buf, v), nil
	case int16:
		if f.Kind != KIND_INT16 {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint16(buf, uint16(v)), nil
	case uint32:
		if f.Kind != KIND_UINT32 {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint32(buf, v), nil
	case int32:
		if f.Kind != KIND_INT32 {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint32(buf, uint32(v)), nil
	case float32:
		if f.Kind != KIND_FLOAT32 {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v)), nil
	}
	return nil, mismatch()
}

func (f Field) describe() string {
	if f.repeated() {
		return fmt.Sprintf("[%d]%s", f.Count, f.Kind)
	}
	return f.Kind.String()
}

// Unpack decodes a payload into named values. The payload must be exactly
// as long as the layout.
func (l Layout) Unpack(payload []byte) (Values, error) {
	if len(payload) != l.Len() {
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("payload has %d bytes, layout expects %d", len(payload), l.Len())}
	}
	values := make(Values, len(l))
	offset := 0
	for _, f := range l {
		n := f.Len()
		values[f.Name] = f.unpack(payload[offset : offset+n])
		offset += n
	}
	return values, nil
}

func (f Field) unpack(b []byte) any {
	switch f.Kind {
	case KIND_BYTES:
		out := make([]byte, len(b))
		copy(out, b)
		return out
	case KIND_STRING:
		end := len(b)
		for end > 0 && b[end-1] == 0 {
			end--
		}
		return string(b[:end])
	}
	if !f.repeated() {
		return decodeScalar(f.Kind, b)
	}
	size := f.elemSize()
	switch f.Kind {
	case KIND_UINT8:
		out := make([]uint8, f.Count)
		copy(out, b)
		return out
	case KIND_INT8:
		out := make([]int8, f.Count)
		for i := range out {
			out[i] = int8(b[i])
		}
		return out
	case KIND_UINT16:
		out := make([]uint16, f.Count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(b[i*size:])
		}
		return out
	case KIND_INT16:
		out := make([]int16, f.Count)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(b[i*size:]))
		}
		return out
	case KIND_UINT32:
		out := make([]uint32, f.Count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(b[i*size:])
		}
		return out
	case KIND_INT32:
		out := make([]int32, f.Count)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(b[i*size:]))
		}
		return out
	case KIND_FLOAT32:
		out := make([]float32, f.Count)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size:]))
		}
		return out
	}
	return nil
}

func decodeScalar(kind Kind, b []byte) any {
	switch kind {
	case KIND_UINT8:
		return b[0]
	case KIND_INT8:
		return int8(b[0])
	case KIND_UINT16:
		return binary.LittleEndian.Uint16(b)
	case KIND_INT16:
		return int16(binary.LittleEndian.Uint16(b))
	case KIND_UINT32:
		return binary.LittleEndian.Uint32(b)
	case KIND_INT32:
		return int32(binary.LittleEndian.Uint32(b))
	case KIND_FLOAT32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	return nil
}
