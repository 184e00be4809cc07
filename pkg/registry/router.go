package registry

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/schema"
	"github.com/google/uuid"
)

const (
	promptAmbiguous = "Which of these did you mean?"
	promptUnmatched = "I could not match that request to an action. Pick one:"
)

// Router turns resolved intents into execution plans.
type Router struct {
	reg    *Registry
	newID  func() string
	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithIDGenerator replaces the uuid plan and step ids, e.g. in tests.
func WithIDGenerator(fn func() string) RouterOption {
	return func(r *Router) { r.newID = fn }
}

func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

func NewRouter(reg *Registry, opts ...RouterOption) *Router {
	r := &Router{reg: reg, newID: uuid.NewString, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route matches every required tag exactly. An ambiguous intent, a tag with
// no match, or a tag matching several capabilities yields a clarification
// plan: the router never picks on the user's behalf.
//
// Capabilities referenced through ref inputs are pulled in, and steps are
// grouped by their longest dependency path so that a consumer always lands
// in a later group than its producers.
func (r *Router) Route(intent domain.ResolvedIntent) (*domain.ExecutionPlan, error) {
	id := r.newID()
	tags := intent.Tags()

	if intent.Ambiguous {
		return r.clarify(id, intent, promptAmbiguous, r.candidates(tags)), nil
	}
	if len(tags) == 0 {
		return r.clarify(id, intent, promptUnmatched, r.everything()), nil
	}

	var selected []string
	for _, tag := range tags {
		matches := r.reg.Match(tag)
		switch len(matches) {
		case 0:
			r.logger.Debug("unmatched capability tag", "tag", tag, "intent", intent.Tag)
			return r.clarify(id, intent, promptUnmatched, r.everything()), nil
		case 1:
			if !slices.Contains(selected, matches[0]) {
				selected = append(selected, matches[0])
			}
		default:
			r.logger.Debug("ambiguous capability tag", "tag", tag, "matches", matches)
			return r.clarify(id, intent, promptAmbiguous, r.options(matches)), nil
		}
	}

	selected = r.withDependencies(selected)
	groups, err := r.group(selected, intent.Entities)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", intent.Tag, err)
	}
	return domain.NewExecutionPlan(id, intent.Tag, groups), nil
}

// clarify builds a clarification plan. A question needs at least two
// answers, so options supplied with the intent are topped up from fallback.
func (r *Router) clarify(id string, intent domain.ResolvedIntent, prompt string, fallback []domain.Option) *domain.ExecutionPlan {
	options := slices.Clone(intent.Options)
	if len(options) < 2 {
		for _, opt := range fallback {
			if !slices.ContainsFunc(options, func(o domain.Option) bool { return o.ID == opt.ID }) {
				options = append(options, opt)
			}
		}
	}
	if intent.Prompt != "" {
		prompt = intent.Prompt
	}
	return domain.NewClarificationPlan(id, intent.Tag, domain.Clarification{Prompt: prompt, Options: options})
}

func (r *Router) candidates(tags []string) []domain.Option {
	var names []string
	for _, tag := range tags {
		for _, m := range r.reg.Match(tag) {
			if !slices.Contains(names, m) {
				names = append(names, m)
			}
		}
	}
	// One match is no choice: offer the rest of the catalog after it.
	if len(names) < 2 {
		for _, c := range r.reg.List() {
			if !slices.Contains(names, c.Name) {
				names = append(names, c.Name)
			}
		}
	}
	return r.options(names)
}

func (r *Router) everything() []domain.Option {
	var names []string
	for _, c := range r.reg.List() {
		names = append(names, c.Name)
	}
	return r.options(names)
}

func (r *Router) options(names []string) []domain.Option {
	out := make([]domain.Option, 0, len(names))
	for _, n := range names {
		label := n
		if c, ok := r.reg.Lookup(n); ok && c.Description != "" {
			label = c.Description
		}
		out = append(out, domain.Option{ID: n, Label: label, Capabilities: []string{n}})
	}
	return out
}

// withDependencies appends, depth first, every capability referenced by the
// selection that is not already part of it.
func (r *Router) withDependencies(selected []string) []string {
	out := slices.Clone(selected)
	for i := 0; i < len(out); i++ {
		c, _ := r.reg.Lookup(out[i])
		for _, ref := range c.Input.Refs() {
			if !slices.Contains(out, ref) {
				out = append(out, ref)
			}
		}
	}
	return out
}

func (r *Router) group(selected []string, entities map[string]any) ([][]domain.PlanStep, error) {
	unlock := r.reg.rlock()
	depth, err := r.reg.depths(selected)
	unlock()
	if err != nil {
		return nil, err
	}

	levels := 0
	for _, d := range depth {
		levels = max(levels, d+1)
	}
	groups := make([][]domain.PlanStep, levels)
	for _, name := range selected {
		c, _ := r.reg.Lookup(name)
		step := domain.PlanStep{
			ID:         c.Name,
			Capability: c.Name,
			Risk:       c.Risk,
			Deadline:   c.Deadline,
			Idempotent: c.Idempotent,
			Inputs:     inputsFor(c.Input, entities),
		}
		for _, ref := range c.Input.Refs() {
			if slices.Contains(selected, ref) {
				step.DependsOn = append(step.DependsOn, ref)
			}
		}
		groups[depth[name]] = append(groups[depth[name]], step)
	}
	return groups, nil
}

// inputsFor picks the entities the capability declares, or all of them when
// it declares no schema.
func inputsFor(in schema.Schema, entities map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range entities {
		if len(in) == 0 {
			out[k] = v
			continue
		}
		t, ok := in[k]
		if !ok {
			continue
		}
		if _, isRef := schema.RefOf(t); isRef {
			continue
		}
		out[k] = v
	}
	return out
}
