package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	s := Schema{
		"query": String(),
		"limit": Optional(Int()),
		"prior": Ref("search"),
	}

	t.Run("ok", func(t *testing.T) {
		assert.NoError(t, Validate(s, map[string]any{"query": "q", "prior": []string{"x"}}))
	})

	t.Run("optional present but wrong", func(t *testing.T) {
		err := Validate(s, map[string]any{"query": "q", "prior": 1, "limit": "ten"})
		errs := ValidationErrors(err)
		require.Len(t, errs, 1)
		var ve *ValidationError
		require.True(t, errors.As(errs[0], &ve))
		assert.Equal(t, "limit", ve.Key)
	})

	t.Run("failures reported in field order", func(t *testing.T) {
		err := Validate(s, map[string]any{"query": 5})
		errs := ValidationErrors(err)
		require.Len(t, errs, 2)
		assert.Contains(t, errs[0].Error(), `"prior"`)
		assert.Contains(t, errs[1].Error(), `"query"`)
		assert.Contains(t, err.Error(), "2 validation errors")
	})

	t.Run("empty schema accepts anything", func(t *testing.T) {
		assert.NoError(t, Validate(nil, map[string]any{"x": 1}))
	})
}

func TestCustomType(t *testing.T) {
	positive := Custom("positive", func(v any) error {
		i, ok := v.(int)
		if !ok || i <= 0 {
			return fmt.Errorf("must be a positive int")
		}
		return nil
	})
	s := Schema{"n": positive}
	assert.NoError(t, Validate(s, map[string]any{"n": 3}))
	assert.Error(t, Validate(s, map[string]any{"n": -1}))
}

func TestValidationErrorsOnPlainError(t *testing.T) {
	assert.Nil(t, ValidationErrors(errors.New("boom")))
	wrapped := fmt.Errorf("ctx: %w", &AggregateError{Errors: []error{errors.New("a")}})
	assert.Len(t, ValidationErrors(wrapped), 1)
}
