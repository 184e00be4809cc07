package orchestrator

import (
	"fmt"
	"maps"

	"github.com/aretw0/tessera/pkg/domain"
)

func rootCard(id, title string) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeAggregatedCard, Props: map[string]any{domain.PropTitle: title}}
}

func contextCard(id string, entities map[string]any) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeContextCard, Props: map[string]any{domain.PropData: maps.Clone(entities)}}
}

func skeleton(id string, step domain.PlanStep) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeSkeletonCard, Props: map[string]any{
		domain.PropTitle:  step.Capability,
		domain.PropStepID: step.ID,
	}}
}

func errorCard(id, message string) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeErrorCard, Props: map[string]any{domain.PropMessage: message}}
}

func confirmationCard(id string, plan *domain.ExecutionPlan) domain.Node {
	steps := plan.Steps()
	listed := make([]any, 0, len(steps))
	for _, s := range steps {
		listed = append(listed, map[string]any{
			"step_id":    s.ID,
			"capability": s.Capability,
			"risk":       string(s.Risk),
			"inputs":     maps.Clone(s.Inputs),
		})
	}
	return domain.Node{ID: id, Type: domain.NodeConfirmationCard, Props: map[string]any{
		domain.PropPlanID: plan.ID(),
		domain.PropRisk:   string(plan.MaxRisk()),
		domain.PropPrompt: fmt.Sprintf("Confirm %d %s?", len(steps), plural(len(steps), "action", "actions")),
		domain.PropSteps:  listed,
	}}
}

func clarificationCard(id string, c domain.Clarification) domain.Node {
	options := make([]any, 0, len(c.Options))
	for _, o := range c.Options {
		options = append(options, map[string]any{"id": o.ID, "label": o.Label})
	}
	return domain.Node{ID: id, Type: domain.NodeClarificationCard, Props: map[string]any{
		domain.PropPrompt:  c.Prompt,
		domain.PropOptions: options,
	}}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
