package tui_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/aretw0/tessera/internal/presentation/tui"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/stream"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRenderer() (*tui.Renderer, *bytes.Buffer) {
	var buf bytes.Buffer
	r := tui.NewRenderer(&buf, tui.WithMarkdown(nil), tui.WithProfile(termenv.Ascii), tui.WithWidth(60))
	return r, &buf
}

func send(t *testing.T, r *tui.Renderer, env domain.StreamEnvelope) {
	t.Helper()
	require.NoError(t, r.Send(context.Background(), stream.Encode(env, stream.NewTaxonomy())))
}

func TestRendererMirrorsSkeletonThenResult(t *testing.T) {
	r, buf := newTestRenderer()

	send(t, r, domain.StreamEnvelope{Sequence: 1, State: domain.StateProcessing, Operations: []domain.GraphOperation{
		domain.Append("", domain.Node{ID: "req", Type: domain.NodeAggregatedCard, Props: map[string]any{domain.PropTitle: "Weather"}}),
		domain.Append("req", domain.Node{ID: "req/s1", Type: domain.NodeSkeletonCard, Props: map[string]any{domain.PropTitle: "forecast"}}),
	}})
	first := buf.String()
	assert.Contains(t, first, "Weather")
	assert.Contains(t, first, "… forecast")

	buf.Reset()
	send(t, r, domain.StreamEnvelope{Sequence: 2, State: domain.StateUpdated, Final: true, Operations: []domain.GraphOperation{
		domain.Remove("req/s1"),
		domain.Insert("req", 0, domain.Node{ID: "req/s1", Type: domain.NodeDataTable, Props: map[string]any{
			domain.PropSource: "forecast",
			domain.PropData: []any{
				map[string]any{"city": "Lisbon", "temp": 21},
				map[string]any{"city": "Porto", "temp": 18},
			},
		}}),
	}})
	second := buf.String()
	assert.Contains(t, second, "✓ forecast")
	assert.Contains(t, second, "| city | temp |")
	assert.Contains(t, second, "| Lisbon | 21 |")
	assert.NotContains(t, second, "… forecast")
	assert.Contains(t, second, "[Updated]")

	nodes := r.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, domain.NodeDataTable, nodes[1].Type)
}

func TestRendererGatesAndErrors(t *testing.T) {
	r, buf := newTestRenderer()

	send(t, r, domain.StreamEnvelope{Sequence: 1, Operations: []domain.GraphOperation{
		domain.Append("", domain.Node{ID: "gate", Type: domain.NodeConfirmationCard, Props: map[string]any{
			domain.PropPlanID: "p1",
			domain.PropRisk:   "high",
			domain.PropPrompt: "Confirm 1 action?",
			domain.PropSteps: []any{
				map[string]any{"step_id": "s1", "capability": "send_email", "risk": "high", "inputs": map[string]any{"to": "ana"}},
			},
		}}),
		domain.Append("", domain.Node{ID: "ask", Type: domain.NodeClarificationCard, Props: map[string]any{
			domain.PropPrompt:  "Which one?",
			domain.PropOptions: []any{map[string]any{"id": "a", "label": "Alpha"}},
		}}),
		domain.Append("", domain.Node{ID: "err", Type: domain.NodeErrorCard, Props: map[string]any{
			domain.PropSource:  "stocks",
			domain.PropMessage: "capability timed out",
			domain.PropRetry:   true,
			domain.PropStepID:  "s2",
			domain.PropCached:  map[string]any{"price": 10},
		}}),
	}, Explanation: "1 of 2 sources failed"})

	out := buf.String()
	assert.Contains(t, out, "⚠ Confirm 1 action? [high risk]")
	assert.Contains(t, out, "- send_email (high) {to: ana}")
	assert.Contains(t, out, "/confirm p1 or /reject")
	assert.Contains(t, out, "? Which one?")
	assert.Contains(t, out, "1. Alpha (a)")
	assert.Contains(t, out, "✗ stocks: capability timed out")
	assert.Contains(t, out, "last known: {price: 10}")
	assert.Contains(t, out, "/retry s2")
	assert.Contains(t, out, "1 of 2 sources failed")
}

func TestRendererUnknownTypeArrivesAsErrorCard(t *testing.T) {
	r, buf := newTestRenderer()

	send(t, r, domain.StreamEnvelope{Sequence: 1, Operations: []domain.GraphOperation{
		domain.Append("", domain.Node{ID: "x", Type: "Hologram"}),
	}})
	assert.Contains(t, buf.String(), `unsupported chunk type "Hologram"`)
}

func TestRendererRemoveAndRender(t *testing.T) {
	r, _ := newTestRenderer()

	send(t, r, domain.StreamEnvelope{Sequence: 1, Operations: []domain.GraphOperation{
		domain.Append("", domain.Node{ID: "a", Type: domain.NodeTextBlock, Props: map[string]any{domain.PropText: "hello"}}),
		domain.Append("", domain.Node{ID: "ctx", Type: domain.NodeContextCard, Props: map[string]any{domain.PropData: map[string]any{"city": "Lisbon", "day": "mon"}}}),
	}})
	whole := r.Render()
	assert.Contains(t, whole, "hello")
	assert.Contains(t, whole, "city=Lisbon day=mon")

	send(t, r, domain.StreamEnvelope{Sequence: 2, Operations: []domain.GraphOperation{domain.Remove("a"), domain.Remove("ctx")}})
	assert.Empty(t, r.Nodes())
	assert.Empty(t, strings.TrimSpace(r.Render()))
}

func TestRendererSeed(t *testing.T) {
	r, buf := newTestRenderer()

	require.NoError(t, r.Seed([]domain.Node{
		{ID: "req", Type: domain.NodeAggregatedCard, Props: map[string]any{domain.PropTitle: "Inbox"}},
		{ID: "req/s1", Parent: "req", Type: domain.NodeTextBlock, Props: map[string]any{domain.PropText: "3 unread"}},
	}, 4))
	assert.Contains(t, r.Render(), "3 unread")

	send(t, r, domain.StreamEnvelope{Sequence: 5, Operations: []domain.GraphOperation{
		domain.Update("req/s1", map[string]any{domain.PropText: "0 unread"}),
	}})
	assert.Contains(t, buf.String(), "0 unread", "updates apply on top of the seeded graph")
}

func TestNewMarkdown(t *testing.T) {
	md := tui.NewMarkdown(false, 40)
	require.NotNil(t, md)
	out, err := md("**bold** text")
	require.NoError(t, err)
	assert.Contains(t, out, "bold")
	assert.NotContains(t, out, "\x1b[")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	tui.PrintBanner(&buf)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 5)
	assert.NotContains(t, buf.String(), "\x1b[")
}
