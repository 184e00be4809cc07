package domain

import (
	"maps"
	"slices"
	"time"
)

// ClarifyStep is the capability name of the synthetic step carried by
// clarification plans. It is never registered nor executed.
const ClarifyStep = "tessera.clarify"

// PlanStep is one capability invocation inside a plan.
type PlanStep struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Risk       RiskTier       `json:"risk"`
	Deadline   time.Duration  `json:"deadline"`
	Idempotent bool           `json:"idempotent,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	// DependsOn lists step IDs whose outputs feed this step.
	DependsOn []string `json:"depends_on,omitempty"`
}

func (s PlanStep) clone() PlanStep {
	s.Inputs = maps.Clone(s.Inputs)
	s.DependsOn = slices.Clone(s.DependsOn)
	return s
}

// Option is one choice offered to the user when an intent is ambiguous.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	// Capabilities replaces the intent's required capabilities when chosen.
	Capabilities []string `json:"capabilities,omitempty"`
	// Entities are merged into the session context when chosen.
	Entities map[string]any `json:"entities,omitempty"`
}

func (o Option) clone() Option {
	o.Capabilities = slices.Clone(o.Capabilities)
	o.Entities = maps.Clone(o.Entities)
	return o
}

// Clarification is the question a clarification plan asks.
type Clarification struct {
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
}

func (c Clarification) clone() Clarification {
	out := Clarification{Prompt: c.Prompt, Options: make([]Option, len(c.Options))}
	for i, o := range c.Options {
		out.Options[i] = o.clone()
	}
	return out
}

// ExecutionPlan is an ordered list of parallel groups of steps. It is never
// mutated after construction; every accessor returns copies.
type ExecutionPlan struct {
	id            string
	intentTag     string
	groups        [][]PlanStep
	clarification *Clarification
}

// NewExecutionPlan copies groups into a new immutable plan. Empty groups are dropped.
func NewExecutionPlan(id, intentTag string, groups [][]PlanStep) *ExecutionPlan {
	p := &ExecutionPlan{id: id, intentTag: intentTag}
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		cp := make([]PlanStep, len(g))
		for i, s := range g {
			cp[i] = s.clone()
		}
		p.groups = append(p.groups, cp)
	}
	return p
}

// NewClarificationPlan builds the single-step plan used when routing cannot
// pick capabilities without asking the user.
func NewClarificationPlan(id, intentTag string, c Clarification) *ExecutionPlan {
	p := NewExecutionPlan(id, intentTag, [][]PlanStep{{{
		ID:         ClarifyStep,
		Capability: ClarifyStep,
		Risk:       RiskLow,
	}}})
	cl := c.clone()
	p.clarification = &cl
	return p
}

func (p *ExecutionPlan) ID() string { return p.id }

func (p *ExecutionPlan) IntentTag() string { return p.intentTag }

// Groups returns a deep copy of the parallel groups.
func (p *ExecutionPlan) Groups() [][]PlanStep {
	out := make([][]PlanStep, len(p.groups))
	for i, g := range p.groups {
		out[i] = make([]PlanStep, len(g))
		for j, s := range g {
			out[i][j] = s.clone()
		}
	}
	return out
}

// Steps returns every step in declaration order.
func (p *ExecutionPlan) Steps() []PlanStep {
	var out []PlanStep
	for _, g := range p.groups {
		for _, s := range g {
			out = append(out, s.clone())
		}
	}
	return out
}

// Step looks a step up by ID.
func (p *ExecutionPlan) Step(id string) (PlanStep, bool) {
	for _, g := range p.groups {
		for _, s := range g {
			if s.ID == id {
				return s.clone(), true
			}
		}
	}
	return PlanStep{}, false
}

func (p *ExecutionPlan) Len() int {
	n := 0
	for _, g := range p.groups {
		n += len(g)
	}
	return n
}

func (p *ExecutionPlan) Empty() bool { return len(p.groups) == 0 }

// Clarification returns the question of a clarification plan.
func (p *ExecutionPlan) Clarification() (Clarification, bool) {
	if p.clarification == nil {
		return Clarification{}, false
	}
	return p.clarification.clone(), true
}

func (p *ExecutionPlan) IsClarification() bool { return p.clarification != nil }

// MaxRisk returns the highest tier among the steps; low for an empty plan.
func (p *ExecutionPlan) MaxRisk() RiskTier {
	top := RiskLow
	for _, g := range p.groups {
		for _, s := range g {
			top = HigherRisk(top, s.Risk)
		}
	}
	return top
}

// RequiresConfirmation reports whether any step must pass the human gate.
func (p *ExecutionPlan) RequiresConfirmation() bool {
	return p.MaxRisk().RequiresConfirmation()
}

// Partition splits the plan into the steps that may run without confirmation
// (low risk, with only low-risk transitive dependencies) and the gated rest.
// The gated plan keeps this plan's ID since it is the one the user confirms.
func (p *ExecutionPlan) Partition() (ungated, gated *ExecutionPlan) {
	blocked := make(map[string]bool)
	var free, held [][]PlanStep
	for _, g := range p.groups {
		var f, h []PlanStep
		for _, s := range g {
			isBlocked := s.Risk.RequiresConfirmation()
			for _, dep := range s.DependsOn {
				if blocked[dep] {
					isBlocked = true
				}
			}
			if isBlocked {
				blocked[s.ID] = true
				h = append(h, s)
			} else {
				f = append(f, s)
			}
		}
		free = append(free, f)
		held = append(held, h)
	}
	ungated = NewExecutionPlan(p.id+"/ungated", p.intentTag, free)
	gated = NewExecutionPlan(p.id, p.intentTag, held)
	return ungated, gated
}
