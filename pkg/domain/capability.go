package domain

import (
	"context"
	"time"

	"github.com/aretw0/tessera/pkg/schema"
)

// RiskTier classifies the side effects of a capability.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

func (r RiskTier) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Rank orders tiers; unknown tiers rank above high so they are always gated.
func (r RiskTier) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// RequiresConfirmation reports whether running at this tier needs a human gate.
func (r RiskTier) RequiresConfirmation() bool {
	return r.Rank() > 0
}

// HigherRisk returns the riskier of a and b.
func HigherRisk(a, b RiskTier) RiskTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// CapabilityHandler performs the delegated work. It must honour ctx cancellation.
type CapabilityHandler func(ctx context.Context, inputs map[string]any) (any, error)

// Capability is a registered, named unit of delegated work.
type Capability struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Risk        RiskTier      `json:"risk"`
	Deadline    time.Duration `json:"deadline"`
	Input       schema.Schema `json:"input,omitempty"`
	// Idempotent capabilities may be retried after a failure.
	Idempotent bool `json:"idempotent,omitempty"`
	// Renders is the node type used to present a successful output.
	Renders NodeType `json:"renders,omitempty"`
	// Fallback is attached to the ErrorCard when the capability fails.
	Fallback any `json:"fallback,omitempty"`

	Handler CapabilityHandler `json:"-"`
}

// ResultStatus is the outcome of one capability invocation.
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
	ResultTimeout  ResultStatus = "timeout"
	ResultCanceled ResultStatus = "canceled"
)

// CapabilityResult is what the executor returns per plan step. Failures are
// values, never panics or errors of Execute itself.
type CapabilityResult struct {
	StepID     string        `json:"step_id"`
	Capability string        `json:"capability"`
	Risk       RiskTier      `json:"risk"`
	Status     ResultStatus  `json:"status"`
	Output     any           `json:"output,omitempty"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"duration"`
	Fallback   any           `json:"fallback,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
}

func (r CapabilityResult) OK() bool { return r.Status == ResultSuccess }

// ErrorText returns the failure detail, or "" on success.
func (r CapabilityResult) ErrorText() string {
	if r.Err == nil {
		if r.Status == ResultSuccess {
			return ""
		}
		return string(r.Status)
	}
	return r.Err.Error()
}
