package domain

import (
	"maps"
	"slices"
)

// ResolvedIntent is the structured output of the reasoning step. The runtime
// never reinterprets the raw text it came from.
type ResolvedIntent struct {
	Tag string `json:"intent_tag" mapstructure:"intent_tag"`
	// RequiredCapabilities are capability tags matched exactly by the router.
	// When empty, Tag itself is used.
	RequiredCapabilities []string       `json:"required_capabilities,omitempty" mapstructure:"required_capabilities"`
	Ambiguous            bool           `json:"ambiguous,omitempty" mapstructure:"ambiguous"`
	Options              []Option       `json:"options,omitempty" mapstructure:"options"`
	Entities             map[string]any `json:"entities,omitempty" mapstructure:"entities"`
	Prompt               string         `json:"prompt,omitempty" mapstructure:"prompt"`
}

// Tags returns the capability tags the router must satisfy.
func (i ResolvedIntent) Tags() []string {
	if len(i.RequiredCapabilities) > 0 {
		return slices.Clone(i.RequiredCapabilities)
	}
	if i.Tag == "" {
		return nil
	}
	return []string{i.Tag}
}

// WithOption returns the intent narrowed to the chosen option.
func (i ResolvedIntent) WithOption(o Option) ResolvedIntent {
	out := i
	out.Ambiguous = false
	out.Options = nil
	out.Entities = maps.Clone(i.Entities)
	if out.Entities == nil {
		out.Entities = make(map[string]any)
	}
	maps.Copy(out.Entities, o.Entities)
	if len(o.Capabilities) > 0 {
		out.RequiredCapabilities = slices.Clone(o.Capabilities)
	}
	return out
}
