package ports

import (
	"context"

	"github.com/aretw0/tessera/pkg/domain"
)

// IntentParser turns a user's free-form text into a structured intent.
// The runtime treats its output as opaque data and never reinterprets the text.
type IntentParser interface {
	// Parse resolves text given the session's accumulated context.
	// An intent the parser cannot pin down must come back with Ambiguous set
	// rather than as an error.
	Parse(ctx context.Context, text string, sessionContext map[string]any) (domain.ResolvedIntent, error)
}

// ParserFunc adapts a function to IntentParser.
type ParserFunc func(ctx context.Context, text string, sessionContext map[string]any) (domain.ResolvedIntent, error)

func (f ParserFunc) Parse(ctx context.Context, text string, sessionContext map[string]any) (domain.ResolvedIntent, error) {
	return f(ctx, text, sessionContext)
}
