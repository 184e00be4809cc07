package domain

// StreamEnvelope is one ordered unit of output for a renderer. Operations
// must be applied in slice order, and envelopes in Sequence order.
type StreamEnvelope struct {
	RequestID    string           `json:"request_id"`
	SessionID    string           `json:"session_id"`
	TenantID     string           `json:"tenant_id"`
	UserID       string           `json:"user_id"`
	Sequence     uint64           `json:"sequence"`
	State        WorkflowState    `json:"state"`
	Operations   []GraphOperation `json:"operations"`
	GraphVersion uint64           `json:"version"`
	Explanation  string           `json:"explanation,omitempty"`
	Final        bool             `json:"final,omitempty"`
}
