package intent

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps keywords in free text to an intent tag.
type Rule struct {
	Tag   string `yaml:"tag"`
	Label string `yaml:"label"`
	// Keywords are matched against the words of the text, case-insensitive.
	Keywords []string `yaml:"keywords"`
	// Capabilities overrides the router tags; defaults to Tag.
	Capabilities []string `yaml:"capabilities"`
	// Entities are regular expressions; the first capture group (or the
	// whole match) becomes the entity value.
	Entities map[string]string `yaml:"entities"`

	entities map[string]*regexp.Regexp
}

// RuleSet is the layout of intents.yaml.
type RuleSet struct {
	// MaxDistance is the edit distance tolerated for keywords of at least
	// MinFuzzyLength runes.
	MaxDistance    int    `yaml:"max_distance"`
	MinFuzzyLength int    `yaml:"min_fuzzy_length"`
	Prompt         string `yaml:"prompt"`
	Rules          []Rule `yaml:"rules"`
}

// ParseRules decodes and compiles a rule set.
func ParseRules(data []byte) (*RuleSet, error) {
	rs := &RuleSet{MaxDistance: 1, MinFuzzyLength: 5}
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("failed to parse intent rules: %w", err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadRules reads a rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intent rules %s: %w", path, err)
	}
	return ParseRules(data)
}

func (rs *RuleSet) compile() error {
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Tag == "" {
			return fmt.Errorf("rule %d: missing tag", i)
		}
		if seen[r.Tag] {
			return fmt.Errorf("rule %q: duplicate tag", r.Tag)
		}
		seen[r.Tag] = true
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rule %q: no keywords", r.Tag)
		}
		for j, k := range r.Keywords {
			r.Keywords[j] = strings.ToLower(k)
		}
		r.entities = make(map[string]*regexp.Regexp, len(r.Entities))
		for name, expr := range r.Entities {
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("rule %q entity %q: %w", r.Tag, name, err)
			}
			r.entities[name] = re
		}
	}
	return nil
}

func (r *Rule) label() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Tag
}

func (r *Rule) extract(text string) map[string]any {
	if len(r.entities) == 0 {
		return nil
	}
	out := make(map[string]any)
	for name, re := range r.entities {
		m := re.FindStringSubmatch(text)
		switch {
		case m == nil:
		case len(m) > 1:
			out[name] = m[1]
		default:
			out[name] = m[0]
		}
	}
	return out
}
