package stream

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/aretw0/tessera/pkg/domain"
)

// Chunk is one renderable unit on the wire. Props are flattened next to the
// reserved fields when encoded.
type Chunk struct {
	Type    domain.NodeType
	ChunkID string
	Op      domain.OpKind
	Parent  string
	Index   int
	Props   map[string]any
}

var reserved = []string{"type", "chunk_id", "op", "parent", "index"}

func (c Chunk) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Props)+5)
	for k, v := range c.Props {
		out[k] = v
	}
	out["type"] = c.Type
	out["chunk_id"] = c.ChunkID
	out["op"] = c.Op
	if c.Op == domain.OpInsert {
		if c.Parent != "" {
			out["parent"] = c.Parent
		}
		out["index"] = c.Index
	} else {
		delete(out, "parent")
		delete(out, "index")
	}
	return json.Marshal(out)
}

func (c *Chunk) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	c.Type = domain.NodeType(str("type"))
	c.ChunkID = str("chunk_id")
	c.Op = domain.OpKind(str("op"))
	c.Parent = str("parent")
	if f, ok := raw["index"].(float64); ok {
		c.Index = int(f)
	}
	for _, k := range reserved {
		delete(raw, k)
	}
	c.Props = nil
	if len(raw) > 0 {
		c.Props = raw
	}
	return nil
}

// WireEnvelope is the encoded form of domain.StreamEnvelope.
type WireEnvelope struct {
	RequestID   string  `json:"request_id"`
	SessionID   string  `json:"session_id"`
	TenantID    string  `json:"tenant_id"`
	UserID      string  `json:"user_id"`
	Sequence    uint64  `json:"sequence"`
	State       string  `json:"state"`
	Version     uint64  `json:"version"`
	Explanation string  `json:"explanation,omitempty"`
	Final       bool    `json:"final,omitempty"`
	Chunks      []Chunk `json:"chunks"`
}

// Encode converts env for the wire. Operations on node types outside tax
// become ErrorCard chunks carrying the original type; nothing is dropped.
func Encode(env domain.StreamEnvelope, tax *Taxonomy) WireEnvelope {
	w := WireEnvelope{
		RequestID:   env.RequestID,
		SessionID:   env.SessionID,
		TenantID:    env.TenantID,
		UserID:      env.UserID,
		Sequence:    env.Sequence,
		State:       string(env.State),
		Version:     env.GraphVersion,
		Explanation: env.Explanation,
		Final:       env.Final,
		Chunks:      make([]Chunk, 0, len(env.Operations)),
	}
	for _, op := range env.Operations {
		w.Chunks = append(w.Chunks, encodeOp(op, tax))
	}
	return w
}

func encodeOp(op domain.GraphOperation, tax *Taxonomy) Chunk {
	typ := op.NodeType
	props := op.Props
	if op.Kind == domain.OpInsert && op.Node != nil {
		if typ == "" {
			typ = op.Node.Type
		}
		props = op.Node.Props
	}
	c := Chunk{
		Type:    typ,
		ChunkID: op.ID,
		Op:      op.Kind,
		Parent:  op.Parent,
		Index:   op.Index,
		Props:   maps.Clone(props),
	}
	if !tax.Known(typ) {
		c.Type = domain.NodeErrorCard
		c.Props = map[string]any{
			domain.PropMessage: fmt.Sprintf("unsupported chunk type %q", typ),
			"original_type":    string(typ),
		}
	}
	return c
}
