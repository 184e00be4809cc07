package schema

import (
	"fmt"
	"reflect"
	"strings"
)

// Type validates a single value.
type Type interface {
	// Name returns the textual form accepted by ParseType.
	Name() string
	Validate(value any) error
}

type StringType struct{}

func (t *StringType) Name() string { return "string" }

func (t *StringType) Validate(value any) error {
	if _, ok := value.(string); !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	return nil
}

type IntType struct{}

func (t *IntType) Name() string { return "int" }

func (t *IntType) Validate(value any) error {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case float64:
		// JSON numbers decode as float64.
		if v == float64(int64(v)) {
			return nil
		}
		return fmt.Errorf("expected int, got fractional number %v", v)
	default:
		return fmt.Errorf("expected int, got %T", value)
	}
}

type FloatType struct{}

func (t *FloatType) Name() string { return "float" }

func (t *FloatType) Validate(value any) error {
	switch value.(type) {
	case float32, float64, int, int8, int16, int32, int64:
		return nil
	default:
		return fmt.Errorf("expected float, got %T", value)
	}
}

type BoolType struct{}

func (t *BoolType) Name() string { return "bool" }

func (t *BoolType) Validate(value any) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("expected bool, got %T", value)
	}
	return nil
}

// AnyType accepts every non-nil value.
type AnyType struct{}

func (t *AnyType) Name() string { return "any" }

func (t *AnyType) Validate(value any) error {
	if value == nil {
		return fmt.Errorf("expected a value, got nil")
	}
	return nil
}

// MapType accepts string-keyed maps.
type MapType struct{}

func (t *MapType) Name() string { return "map" }

func (t *MapType) Validate(value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("expected map, got %T", value)
	}
	return nil
}

type SliceType struct {
	elem Type
}

func (t *SliceType) Name() string { return "[" + t.elem.Name() + "]" }

func (t *SliceType) Validate(value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("expected slice, got %T", value)
	}
	for i := 0; i < rv.Len(); i++ {
		if err := t.elem.Validate(rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

// RefType marks a field as fed by the output of another capability.
// Any non-nil output is accepted.
type RefType struct {
	Capability string
}

func (t *RefType) Name() string { return "ref:" + t.Capability }

func (t *RefType) Validate(value any) error {
	if value == nil {
		return fmt.Errorf("missing output of %s", t.Capability)
	}
	return nil
}

// OptionalType lets a field be absent.
type OptionalType struct {
	inner Type
}

func (t *OptionalType) Name() string { return t.inner.Name() + "?" }

func (t *OptionalType) Validate(value any) error {
	return t.inner.Validate(value)
}

type CustomType struct {
	name     string
	validate func(any) error
}

func (t *CustomType) Name() string { return t.name }

func (t *CustomType) Validate(value any) error { return t.validate(value) }

func String() Type { return &StringType{} }

func Int() Type { return &IntType{} }

func Float() Type { return &FloatType{} }

func Bool() Type { return &BoolType{} }

func Any() Type { return &AnyType{} }

func Map() Type { return &MapType{} }

func Slice(elem Type) Type { return &SliceType{elem: elem} }

// Ref declares a dependency on the named capability's output.
func Ref(capability string) Type { return &RefType{Capability: capability} }

// Optional wraps t so that a missing field is not an error.
func Optional(t Type) Type {
	if _, ok := t.(*OptionalType); ok {
		return t
	}
	return &OptionalType{inner: t}
}

// Custom builds a Type from a validation function.
func Custom(name string, validate func(any) error) Type {
	return &CustomType{name: name, validate: validate}
}

// IsOptional reports whether t tolerates absence.
func IsOptional(t Type) bool {
	_, ok := t.(*OptionalType)
	return ok
}

// RefOf returns the capability referenced by t, looking through Optional.
func RefOf(t Type) (string, bool) {
	if o, ok := t.(*OptionalType); ok {
		t = o.inner
	}
	r, ok := t.(*RefType)
	if !ok {
		return "", false
	}
	return r.Capability, true
}

// ParseType converts a textual type into a Type.
// Accepted forms: string, int, float, bool, any, map, [T], ref:<capability>, T?.
func ParseType(typeStr string) (Type, error) {
	typeStr = strings.TrimSpace(typeStr)
	if strings.HasSuffix(typeStr, "?") {
		inner, err := ParseType(strings.TrimSuffix(typeStr, "?"))
		if err != nil {
			return nil, err
		}
		return Optional(inner), nil
	}

	if len(typeStr) > 2 && typeStr[0] == '[' && typeStr[len(typeStr)-1] == ']' {
		elem, err := ParseType(typeStr[1 : len(typeStr)-1])
		if err != nil {
			return nil, err
		}
		return Slice(elem), nil
	}

	if name, ok := strings.CutPrefix(typeStr, "ref:"); ok {
		if name == "" {
			return nil, fmt.Errorf("ref without capability name")
		}
		return Ref(name), nil
	}

	switch typeStr {
	case "string":
		return String(), nil
	case "int":
		return Int(), nil
	case "float":
		return Float(), nil
	case "bool":
		return Bool(), nil
	case "any":
		return Any(), nil
	case "map":
		return Map(), nil
	default:
		return nil, fmt.Errorf("unsupported type: %q", typeStr)
	}
}

// ParseTypeMap converts field name -> type string pairs into a Schema.
func ParseTypeMap(typeMap map[string]string) (Schema, error) {
	result := make(Schema, len(typeMap))
	for key, typeStr := range typeMap {
		t, err := ParseType(typeStr)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		result[key] = t
	}
	return result, nil
}
