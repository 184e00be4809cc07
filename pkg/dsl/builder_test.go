package dsl

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Catalog(t *testing.T) {
	b := New()

	b.Add("calendar.read").
		Describe("Read today's agenda").
		Tags("agenda", "briefing").
		Deadline(2*time.Second).
		Idempotent().
		Returns([]string{"09:00 standup"}).
		Add("mail.send").
		Gated().
		Input("to", "string").
		Needs("agenda", "calendar.read").
		Renders(domain.NodeTextBlock).
		Fallback("draft saved").
		Returns("sent")

	reg, err := b.Build()
	require.NoError(t, err)

	read, ok := reg.Lookup("calendar.read")
	require.True(t, ok)
	assert.Equal(t, domain.RiskLow, read.Risk)
	assert.Equal(t, 2*time.Second, read.Deadline)
	assert.True(t, read.Idempotent)
	assert.Equal(t, []string{"agenda", "briefing"}, read.Tags)
	assert.Equal(t, domain.NodeDataTable, read.Renders, "registry default")

	send, ok := reg.Lookup("mail.send")
	require.True(t, ok)
	assert.Equal(t, domain.RiskHigh, send.Risk)
	assert.Equal(t, domain.NodeTextBlock, send.Renders)
	assert.Equal(t, "draft saved", send.Fallback)
	assert.Equal(t, "ref:calendar.read", send.Input["agenda"].Name())

	out, err := send.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "sent", out)

	require.NoError(t, reg.Seal())
}

func TestBuilder_AddReturnsExisting(t *testing.T) {
	b := New()
	first := b.Add("x").Tags("a")
	again := b.Add("x").Tags("b")

	assert.Same(t, first, again)
	require.Len(t, b.Specs(), 1)
	assert.Equal(t, []string{"a", "b"}, b.Specs()[0].Tags)
}

func TestBuilder_ReportsEveryError(t *testing.T) {
	b := New()
	b.Add("no.handler")
	b.Add("bad.risk").Risk("extreme").Returns(1)
	b.Add("bad.input").Input("n", "decimal").Returns(1)
	b.Add("fine").Returns(1)

	_, err := b.Build(registry.WithDefaultDeadline(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidCapability)
	assert.Contains(t, err.Error(), "no.handler")
	assert.Contains(t, err.Error(), "bad.risk")
	assert.Contains(t, err.Error(), "bad.input")
}

func TestBuilder_DefaultDeadline(t *testing.T) {
	b := New()
	b.Add("ping").Returns("pong")

	_, err := b.Build()
	assert.ErrorIs(t, err, domain.ErrInvalidCapability, "deadline is mandatory")

	reg, err := b.Build(registry.WithDefaultDeadline(time.Second))
	require.NoError(t, err)
	c, _ := reg.Lookup("ping")
	assert.Equal(t, time.Second, c.Deadline)
}

func TestBuilder_Catalog_HasNoHandlers(t *testing.T) {
	b := New()
	b.Add("a").Tags("x").Returns(1)
	b.Add("b").Gated().Returns(2)

	specs, err := b.Catalog().Specs(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "a", specs[0].Name)
	assert.Equal(t, "high", specs[1].Risk)
}
