// Package intent provides a deterministic IntentParser for local use and
// tests. It scores keyword rules and reports ties or misses as ambiguous
// intents so the orchestrator asks the user instead of guessing.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

const defaultPrompt = "What would you like to do?"

// RuleParser implements ports.IntentParser over a RuleSet.
type RuleParser struct {
	rules  *RuleSet
	logger *slog.Logger
}

type Option func(*RuleParser)

func WithLogger(logger *slog.Logger) Option {
	return func(p *RuleParser) { p.logger = logger }
}

// NewRuleParser creates a parser over rs.
func NewRuleParser(rs *RuleSet, opts ...Option) *RuleParser {
	p := &RuleParser{rules: rs, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse resolves text. A JSON object is decoded as a structured intent
// verbatim; anything else is matched against the rules.
func (p *RuleParser) Parse(ctx context.Context, text string, _ map[string]any) (domain.ResolvedIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.ResolvedIntent{}, err
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		return decodeStructured(trimmed)
	}

	words := tokenize(trimmed)
	best, scores := 0, make([]int, len(p.rules.Rules))
	for i := range p.rules.Rules {
		scores[i] = p.score(&p.rules.Rules[i], words)
		best = max(best, scores[i])
	}

	var top []*Rule
	for i := range p.rules.Rules {
		if best > 0 && scores[i] == best {
			top = append(top, &p.rules.Rules[i])
		}
	}
	p.logger.Debug("Intent scored", "best", best, "matches", len(top))

	if len(top) == 1 {
		r := top[0]
		return domain.ResolvedIntent{
			Tag:                  r.Tag,
			RequiredCapabilities: slices.Clone(r.Capabilities),
			Entities:             r.extract(trimmed),
		}, nil
	}

	// A tie offers the tied rules; a miss offers every rule.
	candidates := top
	if len(candidates) == 0 {
		for i := range p.rules.Rules {
			candidates = append(candidates, &p.rules.Rules[i])
		}
	}
	prompt := p.rules.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	out := domain.ResolvedIntent{Ambiguous: true, Prompt: prompt}
	for _, r := range candidates {
		caps := r.Capabilities
		if len(caps) == 0 {
			caps = []string{r.Tag}
		}
		out.Options = append(out.Options, domain.Option{
			ID:           r.Tag,
			Label:        r.label(),
			Capabilities: slices.Clone(caps),
			Entities:     r.extract(trimmed),
		})
	}
	return out, nil
}

// score counts the rule keywords present in words.
func (p *RuleParser) score(r *Rule, words []string) int {
	n := 0
	for _, k := range r.Keywords {
		if slices.ContainsFunc(words, func(w string) bool { return p.matches(k, w) }) {
			n++
		}
	}
	return n
}

func (p *RuleParser) matches(keyword, word string) bool {
	if keyword == word {
		return true
	}
	if p.rules.MaxDistance <= 0 || len([]rune(keyword)) < p.rules.MinFuzzyLength {
		return false
	}
	return levenshtein.ComputeDistance(keyword, word) <= p.rules.MaxDistance
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func decodeStructured(text string) (domain.ResolvedIntent, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return domain.ResolvedIntent{}, fmt.Errorf("invalid structured intent: %w", err)
	}
	var out domain.ResolvedIntent
	if err := mapstructure.Decode(raw, &out); err != nil {
		return domain.ResolvedIntent{}, fmt.Errorf("invalid structured intent: %w", err)
	}
	if out.Tag == "" && len(out.RequiredCapabilities) == 0 && !out.Ambiguous {
		return domain.ResolvedIntent{}, fmt.Errorf("invalid structured intent: missing intent_tag")
	}
	return out, nil
}
