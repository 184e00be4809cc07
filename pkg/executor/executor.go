// Package executor runs execution plans against registered capabilities.
//
// Groups run one after another; the steps of a group run concurrently, each
// under its own deadline. Every step yields exactly one domain.CapabilityResult
// and results come back in declaration order whatever the completion order.
// Failures are values: a slow or broken capability never aborts the plan.
// The executor never retries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/schema"
)

// Catalog resolves capability names. *registry.Registry satisfies it.
type Catalog interface {
	Lookup(name string) (domain.Capability, bool)
}

// Context keys read from the session context for event attribution.
const (
	KeySessionID = "session_id"
)

type Executor struct {
	catalog Catalog
	hooks   domain.LifecycleHooks
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

func WithHooks(h domain.LifecycleHooks) Option {
	return func(e *Executor) { e.hooks = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(catalog Catalog, opts ...Option) *Executor {
	e := &Executor{catalog: catalog, logger: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs plan. Ref inputs are resolved from outputs produced earlier in
// this run, then from sessionContext keyed by capability name; other missing
// inputs fall back to sessionContext by field name.
func (e *Executor) Execute(ctx context.Context, plan *domain.ExecutionPlan, sessionContext map[string]any) []domain.CapabilityResult {
	sessionID, _ := sessionContext[KeySessionID].(string)
	outputs := make(map[string]any)
	failed := make(map[string]bool)
	var all []domain.CapabilityResult

	for _, group := range plan.Groups() {
		results := make([]domain.CapabilityResult, len(group))
		var wg sync.WaitGroup
		for i, step := range group {
			c, ok := e.catalog.Lookup(step.Capability)
			switch {
			case step.Capability == domain.ClarifyStep:
				clar, _ := plan.Clarification()
				results[i] = domain.CapabilityResult{StepID: step.ID, Capability: step.Capability, Risk: domain.RiskLow, Status: domain.ResultSuccess, Output: clar}
				continue
			case !ok:
				results[i] = failure(step, domain.Capability{}, fmt.Errorf("%q: %w", step.Capability, domain.ErrUnknownCapability))
				continue
			case ctx.Err() != nil:
				results[i] = outcome(step, c, domain.ResultCanceled, nil, fmt.Errorf("%w: %w", domain.ErrCapabilityCanceled, ctx.Err()), 0)
				continue
			}

			if dep := firstFailed(step.DependsOn, failed); dep != "" {
				results[i] = failure(step, c, fmt.Errorf("%w: %s", domain.ErrDependencyFailed, dep))
				continue
			}

			inputs := resolveInputs(step, c.Input, outputs, sessionContext)
			if err := schema.Validate(c.Input, inputs); err != nil {
				results[i] = failure(step, c, fmt.Errorf("invalid inputs: %w", err))
				continue
			}

			wg.Add(1)
			go func(i int, step domain.PlanStep, c domain.Capability) {
				defer wg.Done()
				results[i] = e.invoke(ctx, plan.ID(), sessionID, step, c, inputs)
			}(i, step, c)
		}
		wg.Wait()

		for _, r := range results {
			if r.OK() {
				outputs[r.Capability] = r.Output
			} else {
				failed[r.StepID] = true
			}
			if !r.OK() && r.Status != domain.ResultCanceled {
				e.logger.Warn("capability did not succeed",
					"plan_id", plan.ID(), "step", r.StepID, "status", r.Status, "err", r.Err)
			}
		}
		all = append(all, results...)
	}
	return all
}

type handlerOutcome struct {
	output any
	err    error
}

func (e *Executor) invoke(ctx context.Context, planID, sessionID string, step domain.PlanStep, c domain.Capability, inputs map[string]any) domain.CapabilityResult {
	deadline := step.Deadline
	if deadline <= 0 {
		deadline = c.Deadline
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	evt := &domain.CapabilityEvent{
		Timestamp:  e.now(),
		SessionID:  sessionID,
		PlanID:     planID,
		StepID:     step.ID,
		Capability: c.Name,
		Risk:       c.Risk,
	}
	if e.hooks.OnCapabilityCall != nil {
		e.hooks.OnCapabilityCall(ctx, evt)
	}

	start := e.now()
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: fmt.Errorf("%w: %v", domain.ErrCapabilityPanic, p)}
			}
		}()
		out, err := c.Handler(cctx, inputs)
		done <- handlerOutcome{output: out, err: err}
	}()

	var res domain.CapabilityResult
	select {
	case o := <-done:
		switch {
		case o.err == nil:
			res = outcome(step, c, domain.ResultSuccess, o.output, nil, e.now().Sub(start))
		case cctx.Err() != nil && errors.Is(o.err, cctx.Err()):
			res = expired(ctx, step, c, deadline, e.now().Sub(start))
		default:
			res = outcome(step, c, domain.ResultFailed, nil, o.err, e.now().Sub(start))
		}
	case <-cctx.Done():
		res = expired(ctx, step, c, deadline, e.now().Sub(start))
	}

	if e.hooks.OnCapabilityReturn != nil {
		ret := *evt
		ret.Timestamp = e.now()
		ret.Status = res.Status
		ret.Duration = res.Duration
		ret.Err = res.Err
		e.hooks.OnCapabilityReturn(ctx, &ret)
	}
	return res
}

// expired distinguishes the parent being canceled from the step's own deadline.
func expired(parent context.Context, step domain.PlanStep, c domain.Capability, deadline, d time.Duration) domain.CapabilityResult {
	if parent.Err() != nil {
		return outcome(step, c, domain.ResultCanceled, nil, fmt.Errorf("%w: %w", domain.ErrCapabilityCanceled, parent.Err()), d)
	}
	return outcome(step, c, domain.ResultTimeout, nil, fmt.Errorf("%w after %s", domain.ErrCapabilityTimeout, deadline), d)
}

func failure(step domain.PlanStep, c domain.Capability, err error) domain.CapabilityResult {
	return outcome(step, c, domain.ResultFailed, nil, err, 0)
}

func outcome(step domain.PlanStep, c domain.Capability, status domain.ResultStatus, output any, err error, d time.Duration) domain.CapabilityResult {
	r := domain.CapabilityResult{
		StepID:     step.ID,
		Capability: step.Capability,
		Risk:       step.Risk,
		Status:     status,
		Output:     output,
		Err:        err,
		Duration:   d,
	}
	if status != domain.ResultSuccess {
		r.Fallback = c.Fallback
		r.Retryable = c.Idempotent && status != domain.ResultCanceled
	}
	return r
}

func firstFailed(deps []string, failed map[string]bool) string {
	for _, d := range deps {
		if failed[d] {
			return d
		}
	}
	return ""
}

func resolveInputs(step domain.PlanStep, in schema.Schema, outputs, sessionContext map[string]any) map[string]any {
	inputs := maps.Clone(step.Inputs)
	if inputs == nil {
		inputs = make(map[string]any)
	}
	for _, field := range in.Fields() {
		if _, set := inputs[field]; set {
			continue
		}
		if ref, ok := schema.RefOf(in[field]); ok {
			if v, ok := outputs[ref]; ok {
				inputs[field] = v
			} else if v, ok := sessionContext[ref]; ok {
				inputs[field] = v
			}
			continue
		}
		if v, ok := sessionContext[field]; ok {
			inputs[field] = v
		}
	}
	return inputs
}
