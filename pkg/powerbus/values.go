package powerbus

import "fmt"

// Values holds the decoded fields of a reply payload, keyed by field name.
type Values map[string]any

func valueAs[T any](v Values, name string) (T, error) {
	var zero T
	raw, ok := v[name]
	if !ok {
		return zero, fmt.Errorf("field %q not present", name)
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("field %q is %T, not %T", name, raw, zero)
	}
	return typed, nil
}

func (v Values) Uint8(name string) (uint8, error) {
	return valueAs[uint8](v, name)
}

func (v Values) Uint16(name string) (uint16, error) {
	return valueAs[uint16](v, name)
}

func (v Values) Uint32(name string) (uint32, error) {
	return valueAs[uint32](v, name)
}

func (v Values) Float32(name string) (float32, error) {
	return valueAs[float32](v, name)
}

func (v Values) Float32s(name string) ([]float32, error) {
	return valueAs[[]float32](v, name)
}

func (v Values) Uint32s(name string) ([]uint32, error) {
	return valueAs[[]uint32](v, name)
}

func (v Values) String(name string) (string, error) {
	return valueAs[string](v, name)
}

// Floats returns a float32 field as a slice whether it was declared as a
// scalar or as an array. Eight port modules report a single voltage where
// twelve port modules report one per port.
func (v Values) Floats(name string) ([]float32, error) {
	switch raw := v[name].(type) {
	case float32:
		return []float32{raw}, nil
	case []float32:
		return raw, nil
	case nil:
		return nil, fmt.Errorf("field %q not present", name)
	default:
		return nil, fmt.Errorf("field %q is %T, not float32", name, raw)
	}
}
