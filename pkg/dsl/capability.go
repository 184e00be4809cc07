package dsl

import (
	"context"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/registry"
)

// CapabilityBuilder provides a fluent API for configuring a capability.
type CapabilityBuilder struct {
	spec    registry.CapabilitySpec
	handler domain.CapabilityHandler
	builder *Builder
}

// Describe sets the description shown on clarification options.
func (c *CapabilityBuilder) Describe(text string) *CapabilityBuilder {
	c.spec.Description = text
	return c
}

// Tags adds the intent tags the capability answers to.
func (c *CapabilityBuilder) Tags(tags ...string) *CapabilityBuilder {
	c.spec.Tags = append(c.spec.Tags, tags...)
	return c
}

// Risk sets the risk tier. Capabilities start as low risk.
func (c *CapabilityBuilder) Risk(tier domain.RiskTier) *CapabilityBuilder {
	c.spec.Risk = string(tier)
	return c
}

// Gated marks the capability high risk, so it never runs without confirmation.
func (c *CapabilityBuilder) Gated() *CapabilityBuilder {
	return c.Risk(domain.RiskHigh)
}

// Deadline bounds every invocation.
func (c *CapabilityBuilder) Deadline(d time.Duration) *CapabilityBuilder {
	c.spec.Deadline = d.String()
	return c
}

// Input declares an input and its schema type, e.g. "string", "[int]",
// "ref:calendar.read" or "string?".
func (c *CapabilityBuilder) Input(name, typ string) *CapabilityBuilder {
	if c.spec.Inputs == nil {
		c.spec.Inputs = make(map[string]string)
	}
	c.spec.Inputs[name] = typ
	return c
}

// Needs declares an input fed by the output of another capability.
func (c *CapabilityBuilder) Needs(input, capability string) *CapabilityBuilder {
	return c.Input(input, "ref:"+capability)
}

// Idempotent allows the step to be retried after a failure.
func (c *CapabilityBuilder) Idempotent() *CapabilityBuilder {
	c.spec.Idempotent = true
	return c
}

// Renders sets the node type a successful output is shown as.
func (c *CapabilityBuilder) Renders(t domain.NodeType) *CapabilityBuilder {
	c.spec.Renders = string(t)
	return c
}

// Fallback is attached to the ErrorCard when the capability fails.
func (c *CapabilityBuilder) Fallback(v any) *CapabilityBuilder {
	c.spec.Fallback = v
	return c
}

// Handle binds the implementation.
func (c *CapabilityBuilder) Handle(h domain.CapabilityHandler) *CapabilityBuilder {
	c.handler = h
	return c
}

// Returns binds a handler that always yields v.
func (c *CapabilityBuilder) Returns(v any) *CapabilityBuilder {
	return c.Handle(func(ctx context.Context, _ map[string]any) (any, error) {
		return v, ctx.Err()
	})
}

// Add starts the next capability on the same builder.
func (c *CapabilityBuilder) Add(name string) *CapabilityBuilder {
	return c.builder.Add(name)
}

// Spec returns the declarative form.
func (c *CapabilityBuilder) Spec() registry.CapabilitySpec {
	return c.spec
}

// Build returns the underlying domain.Capability.
// This is primarily used by the Builder, but exposed for advanced usage.
func (c *CapabilityBuilder) Build() (domain.Capability, error) {
	return c.spec.Capability(c.handler)
}
