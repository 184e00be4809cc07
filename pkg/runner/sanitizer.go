package runner

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxInputSize bounds one intent or command line, in bytes.
const DefaultMaxInputSize = 4096

// EnvMaxInputSize overrides DefaultMaxInputSize.
const EnvMaxInputSize = "TESSERA_MAX_INPUT_SIZE"

var (
	ErrInputTooLarge = errors.New("input exceeds maximum allowed size")
	ErrInvalidUTF8   = errors.New("input contains invalid UTF-8 sequences")
)

// Sanitizer normalizes user text before it reaches the intent parser or
// the audit log. The zero value uses DefaultMaxInputSize.
type Sanitizer struct {
	MaxSize int
	// KeepLines preserves line breaks, e.g. for multi-line editor content.
	// Otherwise all whitespace runs collapse into one space.
	KeepLines bool
}

// Clean rejects oversized or malformed text, drops control characters
// (escape sequences, NUL, BEL) and trims surrounding whitespace.
func (s Sanitizer) Clean(input string) (string, error) {
	limit := s.MaxSize
	if limit <= 0 {
		limit = DefaultMaxInputSize
	}
	if len(input) > limit {
		return "", fmt.Errorf("%w: size=%d limit=%d", ErrInputTooLarge, len(input), limit)
	}
	if !utf8.ValidString(input) {
		return "", ErrInvalidUTF8
	}

	var b strings.Builder
	b.Grow(len(input))
	space := false
	for _, r := range input {
		switch {
		case r == '\n' && s.KeepLines:
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r):
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// SanitizeInput cleans a single line with the size limit taken from
// TESSERA_MAX_INPUT_SIZE when set.
func SanitizeInput(input string) (string, error) {
	return Sanitizer{MaxSize: maxInputSize()}.Clean(input)
}

func maxInputSize() int {
	if val := os.Getenv(EnvMaxInputSize); val != "" {
		if size, err := strconv.Atoi(val); err == nil && size > 0 {
			return size
		}
	}
	return DefaultMaxInputSize
}
