package schema

import (
	"slices"
)

// Schema maps field names to their expected types.
type Schema map[string]Type

// Fields returns the field names in lexical order.
func (s Schema) Fields() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Refs returns the capabilities referenced by the schema, sorted and unique.
func (s Schema) Refs() []string {
	var refs []string
	for _, field := range s.Fields() {
		if name, ok := RefOf(s[field]); ok && !slices.Contains(refs, name) {
			refs = append(refs, name)
		}
	}
	slices.Sort(refs)
	return refs
}

// Validate checks data against schema, reporting every failure in field order.
// Fields not declared by the schema are ignored.
func Validate(schema Schema, data map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	var errs []error
	for _, field := range schema.Fields() {
		typ := schema[field]
		value, exists := data[field]
		if !exists {
			if IsOptional(typ) {
				continue
			}
			errs = append(errs, &ValidationError{Key: field, Reason: "required"})
			continue
		}
		if err := typ.Validate(value); err != nil {
			errs = append(errs, &ValidationError{Key: field, Reason: err.Error(), Value: value})
		}
	}

	if len(errs) > 0 {
		return &AggregateError{Errors: errs}
	}
	return nil
}
