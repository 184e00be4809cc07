package registry

import (
	"testing"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T) *Router {
	t.Helper()
	r := New()
	for _, c := range []domain.Capability{
		capability("mail.search", domain.RiskLow, schema.Schema{"query": schema.String()}, "inbox"),
		capability("calendar.free", domain.RiskLow, nil, "schedule"),
		capability("crm.lookup", domain.RiskLow, nil, "contact"),
		capability("crm.find", domain.RiskLow, nil, "contact"),
		capability("calendar.book", domain.RiskHigh, schema.Schema{
			"slot":  schema.Ref("calendar.free"),
			"title": schema.Optional(schema.String()),
		}, "schedule.book"),
		capability("mail.send", domain.RiskMedium, schema.Schema{"event": schema.Ref("calendar.book")}),
	} {
		require.NoError(t, r.Register(c))
	}
	require.NoError(t, r.Seal())
	return NewRouter(r, WithIDGenerator(func() string { return "plan-1" }))
}

func stepIDs(groups [][]domain.PlanStep) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		for _, s := range g {
			out[i] = append(out[i], s.ID)
		}
	}
	return out
}

func TestRouteIndependentCapabilitiesShareAGroup(t *testing.T) {
	plan, err := fixture(t).Route(domain.ResolvedIntent{
		Tag:                  "briefing",
		RequiredCapabilities: []string{"inbox", "calendar.free"},
		Entities:             map[string]any{"query": "from:boss", "unrelated": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "plan-1", plan.ID())
	assert.False(t, plan.IsClarification())
	assert.Equal(t, [][]string{{"mail.search", "calendar.free"}}, stepIDs(plan.Groups()))

	search, _ := plan.Step("mail.search")
	assert.Equal(t, map[string]any{"query": "from:boss"}, search.Inputs)
	free, _ := plan.Step("calendar.free")
	assert.Equal(t, map[string]any{"query": "from:boss", "unrelated": 1}, free.Inputs, "no schema takes every entity")
}

func TestRouteDependenciesLandInLaterGroups(t *testing.T) {
	plan, err := fixture(t).Route(domain.ResolvedIntent{
		Tag:                  "invite",
		RequiredCapabilities: []string{"mail.send"},
		Entities:             map[string]any{"title": "sync", "slot": "ignored"},
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"calendar.free"}, {"calendar.book"}, {"mail.send"}}, stepIDs(plan.Groups()))
	book, _ := plan.Step("calendar.book")
	assert.Equal(t, []string{"calendar.free"}, book.DependsOn)
	assert.Equal(t, map[string]any{"title": "sync"}, book.Inputs, "ref fields are fed by outputs, not entities")
	assert.Equal(t, domain.RiskHigh, plan.MaxRisk())
}

func TestRouteUsesIntentTagWhenNoCapabilitiesListed(t *testing.T) {
	plan, err := fixture(t).Route(domain.ResolvedIntent{Tag: "schedule"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"calendar.free"}}, stepIDs(plan.Groups()))
}

func TestRouteNeverGuesses(t *testing.T) {
	router := fixture(t)

	t.Run("unmatched tag", func(t *testing.T) {
		plan, err := router.Route(domain.ResolvedIntent{Tag: "teleport"})
		require.NoError(t, err)
		require.True(t, plan.IsClarification())
		c, _ := plan.Clarification()
		assert.GreaterOrEqual(t, len(c.Options), 2)
		assert.Equal(t, promptUnmatched, c.Prompt)
	})

	t.Run("tag with several matches", func(t *testing.T) {
		plan, err := router.Route(domain.ResolvedIntent{Tag: "contact"})
		require.NoError(t, err)
		c, ok := plan.Clarification()
		require.True(t, ok)
		require.Len(t, c.Options, 2)
		assert.Equal(t, []string{"crm.lookup"}, c.Options[0].Capabilities)
		assert.Equal(t, []string{"crm.find"}, c.Options[1].Capabilities)
	})

	t.Run("ambiguous intent keeps its own options", func(t *testing.T) {
		opts := []domain.Option{{ID: "a", Label: "Alice"}, {ID: "b", Label: "Bob"}}
		plan, err := router.Route(domain.ResolvedIntent{Tag: "schedule", Ambiguous: true, Options: opts, Prompt: "Who?"})
		require.NoError(t, err)
		c, _ := plan.Clarification()
		assert.Equal(t, "Who?", c.Prompt)
		assert.Equal(t, opts, c.Options)
		assert.Equal(t, 1, plan.Len())
	})

	t.Run("ambiguous intent with a single match still offers a choice", func(t *testing.T) {
		plan, err := router.Route(domain.ResolvedIntent{Tag: "inbox", Ambiguous: true})
		require.NoError(t, err)
		c, _ := plan.Clarification()
		require.GreaterOrEqual(t, len(c.Options), 2)
		assert.Equal(t, "mail.search", c.Options[0].ID, "the match comes first")
		assert.Len(t, c.Options, 6, "then the rest of the catalog")
	})

	t.Run("a single supplied option is topped up", func(t *testing.T) {
		only := domain.Option{ID: "a", Label: "Alice"}
		plan, err := router.Route(domain.ResolvedIntent{Tag: "contact", Ambiguous: true, Options: []domain.Option{only}})
		require.NoError(t, err)
		c, _ := plan.Clarification()
		require.Len(t, c.Options, 3)
		assert.Equal(t, only, c.Options[0])
		assert.Equal(t, "crm.lookup", c.Options[1].ID)
	})
}

func TestRouteSingleCapabilityCatalogCannotClarify(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(capability("mail.read", domain.RiskLow, nil, "mail")))
	require.NoError(t, r.Seal())

	plan, err := NewRouter(r).Route(domain.ResolvedIntent{Tag: "mail", Ambiguous: true})
	require.NoError(t, err)
	c, _ := plan.Clarification()
	assert.Len(t, c.Options, 1, "the orchestrator turns this into an ErrorCard")
}
