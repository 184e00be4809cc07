package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/session"
)

var errNoOptions = errors.New("fewer than two options to choose from")

// SubmitIntent runs the reasoning step on text and plans the result.
func (o *Orchestrator) SubmitIntent(ctx context.Context, id, text string) (Reply, error) {
	if o.parser == nil {
		return Reply{}, ErrNoParser
	}
	return o.withSession(ctx, id, func(ctx context.Context, s *session.Session) (Reply, error) {
		if err := o.transition(ctx, s, domain.Event{Type: domain.EventIntent}); err != nil {
			return o.reply(s, ""), err
		}
		r := o.begin(ctx, s)
		intent, err := o.parser.Parse(r.ctx, text, s.Machine.Context())
		if r.ctx.Err() != nil {
			return r.canceled()
		}
		if err != nil {
			return r.fail(fmt.Errorf("parse intent: %w", err))
		}
		return r.resolve(intent)
	})
}

// SubmitResolved plans an intent resolved by the caller.
func (o *Orchestrator) SubmitResolved(ctx context.Context, id string, intent domain.ResolvedIntent) (Reply, error) {
	return o.withSession(ctx, id, func(ctx context.Context, s *session.Session) (Reply, error) {
		if err := o.transition(ctx, s, domain.Event{Type: domain.EventIntent}); err != nil {
			return o.reply(s, ""), err
		}
		return o.begin(ctx, s).resolve(intent)
	})
}

func (r *request) resolve(intent domain.ResolvedIntent) (Reply, error) {
	r.s.Intent = intent
	r.s.Failed = make(map[string]session.FailedStep)
	r.s.Machine.MergeContext(intent.Entities)
	r.s.Machine.RecordContext(KeyIntent, intent.Tag)
	if err := r.transition(domain.Event{Type: domain.EventContextResolved}); err != nil {
		return r.fail(err)
	}
	return r.plan()
}

// plan routes the session's intent from ContextResolved, runs the ungated
// part and stops at the confirmation gate, at a clarification, or in Idle.
func (r *request) plan() (Reply, error) {
	p, err := r.o.router.Route(r.s.Intent)
	if err != nil {
		return r.fail(err)
	}
	if err := r.transition(domain.Event{Type: domain.EventPlanned, PlanID: p.ID(), MaxRisk: p.MaxRisk()}); err != nil {
		return r.fail(err)
	}

	ops := []domain.GraphOperation{domain.Append("", rootCard(r.id, r.s.Intent.Tag))}
	if len(r.s.Intent.Entities) > 0 {
		ops = append(ops, domain.Append(r.id, contextCard(r.id+"/context", r.s.Intent.Entities)))
	}
	if p.IsClarification() {
		return r.clarify(p, ops)
	}

	ungated, gated := p.Partition()
	for _, step := range ungated.Steps() {
		ops = append(ops, domain.Append(r.id, skeleton(r.nodeID(step.ID), step)))
	}
	if err := r.apply("", ops...); err != nil {
		return r.fail(err)
	}

	if !ungated.Empty() {
		results := r.o.executor.Execute(r.ctx, ungated, r.s.Machine.Context())
		if r.ctx.Err() != nil {
			r.results = results
			return r.canceled()
		}
		if err := r.present(ungated, results); err != nil {
			return r.fail(err)
		}
		if gated.Empty() && succeeded(results) == 0 {
			return r.fail(fmt.Errorf("no step of plan %s succeeded", p.ID()))
		}
	}
	if err := r.transition(domain.Event{Type: domain.EventFirstChunkReady}); err != nil {
		return r.fail(err)
	}
	if !gated.Empty() {
		return r.gate(gated)
	}
	if err := r.transition(domain.Event{Type: domain.EventComplete}); err != nil {
		return r.fail(err)
	}
	return r.settle("")
}

func (r *request) clarify(p *domain.ExecutionPlan, ops []domain.GraphOperation) (Reply, error) {
	c, _ := p.Clarification()
	if len(c.Options) < 2 {
		return r.fail(errNoOptions)
	}
	card := r.id + "/clarify"
	ops = append(ops, domain.Append(r.id, clarificationCard(card, c)))
	if err := r.apply("", ops...); err != nil {
		return r.fail(err)
	}
	if err := r.transition(domain.Event{Type: domain.EventFirstChunkReady}); err != nil {
		return r.fail(err)
	}
	if err := r.transition(domain.Event{Type: domain.EventNeedsClarification, PlanID: p.ID()}); err != nil {
		return r.fail(err)
	}
	r.s.Clarification = p
	r.s.Card = card
	return r.end(c.Prompt), nil
}

// gate shows plan on a ConfirmationCard and waits in AwaitingConfirmation.
func (r *request) gate(plan *domain.ExecutionPlan) (Reply, error) {
	card := r.id + "/confirm"
	if err := r.apply("", domain.Append(r.id, confirmationCard(card, plan))); err != nil {
		return r.fail(err)
	}
	if err := r.transition(domain.Event{Type: domain.EventNeedsConfirmation, PlanID: plan.ID(), MaxRisk: plan.MaxRisk()}); err != nil {
		return r.fail(err)
	}
	r.s.Pending = plan
	r.s.Card = card
	return r.end("confirmation required"), nil
}

// execute runs plan from Executing. Gated plans only run once the state
// machine holds the user's confirmation for that exact plan.
func (r *request) execute(plan *domain.ExecutionPlan, replaces string) (Reply, error) {
	if plan.RequiresConfirmation() && r.s.Machine.ConfirmedPlan() != plan.ID() {
		return r.fail(fmt.Errorf("%w: %s", domain.ErrPlanMismatch, plan.ID()))
	}

	var ops []domain.GraphOperation
	if replaces != "" && r.s.Graph.Has(replaces) {
		ops = append(ops, domain.Remove(replaces))
	}
	ops = append(ops, domain.Append("", rootCard(r.id, plan.IntentTag())))
	for _, step := range plan.Steps() {
		ops = append(ops, domain.Append(r.id, skeleton(r.nodeID(step.ID), step)))
	}
	if err := r.apply("", ops...); err != nil {
		return r.fail(err)
	}

	results := r.o.executor.Execute(r.ctx, plan, r.s.Machine.Context())
	if r.ctx.Err() != nil {
		r.results = results
		return r.canceled()
	}
	if err := r.present(plan, results); err != nil {
		return r.fail(err)
	}
	if succeeded(results) == 0 && len(results) > 0 {
		return r.fail(fmt.Errorf("no step of plan %s succeeded", plan.ID()))
	}
	if err := r.transition(domain.Event{Type: domain.EventSuccess, PlanID: plan.ID()}); err != nil {
		return r.fail(err)
	}
	return r.settle("")
}

// Confirm runs the plan waiting behind the ConfirmationCard.
func (o *Orchestrator) Confirm(ctx context.Context, id, planID string) (Reply, error) {
	return o.withSession(ctx, id, func(ctx context.Context, s *session.Session) (Reply, error) {
		if s.Pending == nil {
			return o.reply(s, ""), domain.ErrNoPendingPlan
		}
		if planID != s.Pending.ID() {
			return o.reply(s, ""), fmt.Errorf("%w: got %q, pending %q", domain.ErrPlanMismatch, planID, s.Pending.ID())
		}
		if err := o.transition(ctx, s, domain.Event{Type: domain.EventUserConfirms, PlanID: planID}); err != nil {
			return o.reply(s, ""), err
		}
		plan, card := s.Pending, s.Card
		s.ClearPending()
		return o.begin(ctx, s).execute(plan, card)
	})
}

// Reject declines the open confirmation or clarification. Nothing runs.
func (o *Orchestrator) Reject(ctx context.Context, id string) (Reply, error) {
	return o.withSession(ctx, id, func(ctx context.Context, s *session.Session) (Reply, error) {
		if err := o.transition(ctx, s, domain.Event{Type: domain.EventUserCancels}); err != nil {
			return o.reply(s, ""), err
		}
		r := o.begin(ctx, s)
		if s.Card != "" && s.Graph.Has(s.Card) {
			if err := r.apply("declined", domain.Remove(s.Card)); err != nil {
				r.o.logger.Warn("failed to remove card", "session_id", s.ID, "err", err)
			}
		}
		s.ClearPending()
		return r.end("declined"), nil
	})
}

// Select answers the open clarification and plans again with the option
// merged into the intent and the session context.
func (o *Orchestrator) Select(ctx context.Context, id, optionID string) (Reply, error) {
	return o.withSession(ctx, id, func(ctx context.Context, s *session.Session) (Reply, error) {
		if s.Clarification == nil {
			return o.reply(s, ""), domain.ErrNoPendingChoice
		}
		c, _ := s.Clarification.Clarification()
		var chosen *domain.Option
		for i := range c.Options {
			if c.Options[i].ID == optionID {
				chosen = &c.Options[i]
				break
			}
		}
		if chosen == nil {
			return o.reply(s, ""), fmt.Errorf("%w: %q", domain.ErrUnknownOption, optionID)
		}
		if err := o.transition(ctx, s, domain.Event{Type: domain.EventUserSelects, Reason: optionID}); err != nil {
			return o.reply(s, ""), err
		}

		card := s.Card
		s.ClearPending()
		s.Machine.MergeContext(chosen.Entities)
		s.Machine.RecordContext(KeySelectedOption, chosen.ID)
		s.Intent = s.Intent.WithOption(*chosen)

		r := o.begin(ctx, s)
		if card != "" && s.Graph.Has(card) {
			if err := r.apply("", domain.Remove(card)); err != nil {
				return r.fail(err)
			}
		}
		return r.plan()
	})
}

// Retry runs a failed idempotent step again. Low-risk steps run directly
// through ContextResolved -execute-> Executing; riskier ones go back
// through the confirmation gate.
func (o *Orchestrator) Retry(ctx context.Context, id, stepID string) (Reply, error) {
	return o.withSession(ctx, id, func(ctx context.Context, s *session.Session) (Reply, error) {
		f, ok := s.Failed[stepID]
		if !ok || !f.Step.Idempotent {
			return o.reply(s, ""), fmt.Errorf("%w: %q", domain.ErrRetryNotAllowed, stepID)
		}
		if err := o.transition(ctx, s, domain.Event{Type: domain.EventIntent, Reason: "retry " + stepID}); err != nil {
			return o.reply(s, ""), err
		}
		delete(s.Failed, stepID)

		r := o.begin(ctx, s)
		plan := domain.NewExecutionPlan(o.newID(), s.Intent.Tag, [][]domain.PlanStep{{f.Step}})
		if err := r.transition(domain.Event{Type: domain.EventContextResolved}); err != nil {
			return r.fail(err)
		}
		if !plan.RequiresConfirmation() {
			if err := r.transition(domain.Event{Type: domain.EventExecute, PlanID: plan.ID(), MaxRisk: plan.MaxRisk()}); err != nil {
				return r.fail(err)
			}
			return r.execute(plan, f.NodeID)
		}

		if err := r.transition(domain.Event{Type: domain.EventPlanned, PlanID: plan.ID(), MaxRisk: plan.MaxRisk()}); err != nil {
			return r.fail(err)
		}
		var ops []domain.GraphOperation
		if s.Graph.Has(f.NodeID) {
			ops = append(ops, domain.Remove(f.NodeID))
		}
		ops = append(ops, domain.Append("", rootCard(r.id, plan.IntentTag())))
		if err := r.apply("", ops...); err != nil {
			return r.fail(err)
		}
		if err := r.transition(domain.Event{Type: domain.EventFirstChunkReady}); err != nil {
			return r.fail(err)
		}
		return r.gate(plan)
	})
}

// Cancel interrupts the request in flight, or abandons an open confirmation
// or clarification. The session ends up in Idle; an idle session is left alone.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (Reply, error) {
	if reason == "" {
		reason = "canceled by user"
	}
	s, err := o.sessions.Get(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	// The request unwinds under the session lock and closes its own stream.
	st, inflight := s.Interrupt()
	if inflight && st != nil && !st.Halt(reason) {
		o.logger.Debug("stream already closed", "session_id", id)
	}

	var reply Reply
	err = o.sessions.WithLockQueued(ctx, id, func(ctx context.Context, s *session.Session) error {
		if inflight || s.Machine.Current() == domain.StateIdle {
			reply = o.reply(s, "")
			return nil
		}
		reply = o.begin(ctx, s).abandon(domain.Event{Type: domain.EventCancel, Reason: reason}, reason)
		return nil
	})
	return reply, err
}
