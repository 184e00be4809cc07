package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/aretw0/tessera/pkg/stream"
)

// request is one pass of a session through the workflow. It owns the
// session for its whole life: callers hold the session lock.
type request struct {
	o      *Orchestrator
	s      *session.Session
	id     string
	ctx    context.Context
	st     *stream.Stream
	detach func()

	results    []domain.CapabilityResult
	streamDown bool
	// unsent holds operations applied after the stream was halted; they
	// go out with the final envelope.
	unsent []domain.GraphOperation
}

func (o *Orchestrator) begin(ctx context.Context, s *session.Session) *request {
	id := o.newID()
	st := s.Emitter.Begin(id, stream.OnStale(func(string) { s.Interrupt() }))
	reqCtx, detach := s.Attach(ctx, st)
	return &request{o: o, s: s, id: id, ctx: reqCtx, st: st, detach: detach}
}

// bg strips cancellation: an interrupted request must still finish its
// bookkeeping.
func (r *request) bg() context.Context { return context.WithoutCancel(r.ctx) }

func (r *request) nodeID(stepID string) string { return r.id + "/" + stepID }

func (r *request) transition(ev domain.Event) error {
	_, err := r.s.Machine.Transition(r.bg(), ev)
	return err
}

// apply mutates the session graph and streams the effective operations.
// Operations applied before a failing one are still streamed.
func (r *request) apply(explanation string, ops ...domain.GraphOperation) error {
	var effective []domain.GraphOperation
	var applyErr error
	for _, op := range ops {
		res, err := r.s.Graph.Apply(op)
		if err != nil {
			applyErr = err
			break
		}
		effective = append(effective, res.Ops...)
	}
	if len(effective) > 0 || explanation != "" {
		r.send(effective, explanation)
	}
	return applyErr
}

// send writes to the stream. After a transport failure the graph keeps
// changing and the renderer resyncs with Diff. On a halted stream the
// operations are kept for the final envelope.
func (r *request) send(ops []domain.GraphOperation, explanation string) {
	if r.streamDown {
		return
	}
	if err := r.st.Emit(r.bg(), ops, r.s.Machine.Current(), r.s.Graph.Version(), explanation); err != nil {
		if _, halted := r.st.Halted(); halted {
			r.unsent = append(r.unsent, ops...)
			return
		}
		r.streamDown = true
		r.o.logger.Warn("stream write failed, renderer must resync",
			"session_id", r.s.ID, "request_id", r.id, "err", err)
	}
}

func (r *request) end(explanation string) Reply {
	var err error
	if _, halted := r.st.Halted(); halted {
		err = r.st.Terminate(r.bg(), r.s.Machine.Current(), r.s.Graph.Version(), explanation, r.unsent)
	} else {
		err = r.st.End(r.bg(), r.s.Machine.Current(), explanation)
	}
	if err != nil && !r.streamDown {
		r.o.logger.Warn("failed to end stream", "session_id", r.s.ID, "request_id", r.id, "err", err)
	}
	r.detach()
	reply := r.o.reply(r.s, r.id)
	reply.Results = r.results
	return reply
}

// settle walks Updated back to Idle and closes the request.
func (r *request) settle(explanation string) (Reply, error) {
	if err := r.transition(domain.Event{Type: domain.EventReset}); err != nil {
		return r.fail(err)
	}
	return r.end(explanation), nil
}

// fail handles an unrecoverable error: an ErrorCard, Error, then Idle.
func (r *request) fail(cause error) (Reply, error) {
	r.o.logger.Error("request failed", "session_id", r.s.ID, "request_id", r.id, "err", cause)
	if r.s.Machine.Current() != domain.StateError {
		if err := r.transition(domain.Event{Type: domain.EventFail, Reason: cause.Error()}); err != nil {
			r.o.logger.Error("failed to enter error state", "session_id", r.s.ID, "err", err)
		}
	}
	parent := ""
	if r.s.Graph.Has(r.id) {
		parent = r.id
	}
	if err := r.apply(cause.Error(), domain.Append(parent, errorCard(r.id+"/error", cause.Error()))); err != nil {
		r.o.logger.Warn("failed to render error card", "session_id", r.s.ID, "err", err)
	}
	r.s.ClearPending()
	if err := r.transition(domain.Event{Type: domain.EventReset}); err != nil {
		r.o.logger.Error("failed to reset session", "session_id", r.s.ID, "err", err)
	}
	return r.end(cause.Error()), cause
}

// canceled handles an interrupted request. Nothing queued is written; the
// request's nodes are removed and a terminal ErrorCard appended, and those
// operations close the stream, so the renderer ends on the session graph.
func (r *request) canceled() (Reply, error) {
	reason := "request canceled"
	if why, ok := r.st.Halted(); ok {
		reason = why
	} else {
		r.st.Halt(reason)
	}
	if r.s.Machine.Current() != domain.StateError {
		if err := r.transition(domain.Event{Type: domain.EventCancel, Reason: reason}); err != nil {
			r.o.logger.Error("failed to cancel session", "session_id", r.s.ID, "err", err)
		}
	}

	var ops []domain.GraphOperation
	if r.s.Graph.Has(r.id) {
		ops = append(ops, domain.Remove(r.id))
	}
	card := errorCard(r.id+"/terminal", reason)
	card.Props[domain.PropTerminal] = true
	ops = append(ops, domain.Append("", card))
	effective, err := r.s.Graph.ApplyAll(ops...)
	if err != nil {
		r.o.logger.Warn("failed to close canceled request nodes", "session_id", r.s.ID, "err", err)
	}
	final := append(r.unsent, effective...)
	if err := r.st.Terminate(r.bg(), r.s.Machine.Current(), r.s.Graph.Version(), reason, final); err != nil && !r.streamDown {
		r.o.logger.Debug("stream already closed", "request_id", r.id, "err", err)
	}
	r.s.ClearPending()
	if err := r.transition(domain.Event{Type: domain.EventReset}); err != nil {
		r.o.logger.Error("failed to reset session", "session_id", r.s.ID, "err", err)
	}
	r.detach()
	reply := r.o.reply(r.s, r.id)
	reply.Results = r.results
	return reply, fmt.Errorf("%s: %w", r.id, ErrCanceled)
}

// abandon leaves an awaiting state through ev, replacing the open card with
// a notice, and returns to Idle.
func (r *request) abandon(ev domain.Event, notice string) Reply {
	if err := r.transition(ev); err != nil {
		r.o.logger.Error("failed to leave awaiting state", "session_id", r.s.ID, "event", ev.Type, "err", err)
	}
	var ops []domain.GraphOperation
	if r.s.Card != "" && r.s.Graph.Has(r.s.Card) {
		ops = append(ops, domain.Remove(r.s.Card))
	}
	card := errorCard(r.id+"/notice", notice)
	card.Props[domain.PropTerminal] = true
	ops = append(ops, domain.Append("", card))
	if err := r.apply(notice, ops...); err != nil {
		r.o.logger.Warn("failed to render notice", "session_id", r.s.ID, "err", err)
	}
	r.s.ClearPending()
	if err := r.transition(domain.Event{Type: domain.EventReset}); err != nil {
		r.o.logger.Error("failed to reset session", "session_id", r.s.ID, "err", err)
	}
	return r.end(notice)
}

// present replaces each step's skeleton with its result node or ErrorCard.
func (r *request) present(plan *domain.ExecutionPlan, results []domain.CapabilityResult) error {
	r.results = append(r.results, results...)
	root, _ := r.s.Graph.Node(r.id)

	var ops []domain.GraphOperation
	outputs := make(map[string]any)
	succeeded := 0
	for _, res := range results {
		id := r.nodeID(res.StepID)
		var node domain.Node
		if res.OK() {
			succeeded++
			node = r.resultNode(id, res)
			r.s.LastGood[res.Capability] = res.Output
			outputs[res.Capability] = res.Output
		} else {
			node = r.failureNode(id, res)
			if step, ok := plan.Step(res.StepID); ok && res.Retryable {
				r.s.Failed[res.StepID] = session.FailedStep{Step: step, NodeID: id}
			}
		}
		index := slices.Index(root.Children, id)
		if r.s.Graph.Has(id) {
			ops = append(ops, domain.Remove(id))
		}
		ops = append(ops, domain.Insert(r.id, index, node))
	}
	r.s.Machine.MergeContext(outputs)

	explanation := ""
	if failed := len(results) - succeeded; failed > 0 {
		explanation = fmt.Sprintf("%d of %d sources failed", failed, len(results))
	}
	return r.apply(explanation, ops...)
}

func succeeded(results []domain.CapabilityResult) int {
	n := 0
	for _, res := range results {
		if res.OK() {
			n++
		}
	}
	return n
}

func (r *request) resultNode(id string, res domain.CapabilityResult) domain.Node {
	kind := domain.NodeDataTable
	if c, ok := r.o.reg.Lookup(res.Capability); ok && c.Renders != "" {
		kind = c.Renders
	}
	props := map[string]any{
		domain.PropSource: res.Capability,
		domain.PropStepID: res.StepID,
		domain.PropData:   res.Output,
	}
	if text, ok := res.Output.(string); ok && kind == domain.NodeTextBlock {
		props[domain.PropText] = text
		delete(props, domain.PropData)
	}
	return domain.Node{ID: id, Type: kind, Props: props}
}

func (r *request) failureNode(id string, res domain.CapabilityResult) domain.Node {
	card := errorCard(id, res.ErrorText())
	card.Props[domain.PropSource] = res.Capability
	card.Props[domain.PropStepID] = res.StepID
	card.Props[domain.PropStatus] = string(res.Status)
	card.Props[domain.PropRetry] = res.Retryable
	if res.Fallback != nil {
		card.Props[domain.PropFallback] = res.Fallback
	}
	if cached, ok := r.s.LastGood[res.Capability]; ok {
		card.Props[domain.PropCached] = cached
	}
	return card
}
