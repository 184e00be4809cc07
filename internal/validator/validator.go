package validator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/tessera/internal/intent"
	"github.com/aretw0/tessera/pkg/adapters/process"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/registry"
)

// Catalog is everything a deployment declares about its capabilities.
type Catalog struct {
	Specs []registry.CapabilitySpec
	// Commands backs each capability with an executable. Nil skips the
	// handler check, e.g. when handlers are bound in code.
	Commands map[string]process.Command
	// Rules are the intent rules routed onto the catalog. Nil skips the
	// routing check.
	Rules           *intent.RuleSet
	DefaultDeadline time.Duration
}

// Report lists what validation found. Warnings never fail a deployment.
type Report struct {
	Errors   []string
	Warnings []string
}

// Err folds the errors into one, or returns nil.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("found %d errors:\n- %s", len(r.Errors), strings.Join(r.Errors, "\n- "))
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func noop(context.Context, map[string]any) (any, error) { return nil, nil }

// Validate checks a catalog the way the runtime would load it, but keeps
// going after the first problem so one run reports all of them.
func Validate(c Catalog) Report {
	var rep Report
	reg := registry.New(registry.WithDefaultDeadline(c.DefaultDeadline))

	for _, spec := range c.Specs {
		capability, err := spec.Capability(noop)
		if err == nil {
			err = reg.Register(capability)
		}
		if err != nil {
			rep.errorf("%v", err)
			continue
		}
		if c.Commands != nil {
			if _, ok := c.Commands[spec.Name]; !ok {
				rep.errorf("capability '%s' has no command", spec.Name)
			}
		}
	}

	// Crawl input references from every capability. A missing target is
	// reported once, with the first capability that pointed at it.
	missing := make(map[string]string)
	for _, capability := range reg.List() {
		queue := []string{capability.Name}
		visited := map[string]bool{}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			if visited[current] {
				continue
			}
			visited[current] = true

			found, ok := reg.Lookup(current)
			if !ok {
				if _, seen := missing[current]; !seen {
					missing[current] = capability.Name
				}
				continue
			}
			for _, ref := range found.Input.Refs() {
				if !visited[ref] {
					queue = append(queue, ref)
				}
			}
		}
	}
	for _, name := range sortedKeys(missing) {
		rep.errorf("Missing capability '%s' referenced from '%s'", name, missing[name])
	}
	if len(missing) == 0 {
		if err := reg.Seal(); err != nil && errors.Is(err, domain.ErrDependencyCycle) {
			rep.errorf("%v", err)
		}
	}

	if c.Rules == nil {
		return rep
	}
	routed := make(map[string]bool)
	var queue []string
	for _, rule := range c.Rules.Rules {
		tags := rule.Capabilities
		if len(tags) == 0 {
			tags = []string{rule.Tag}
		}
		for _, tag := range tags {
			names := reg.Match(tag)
			if len(names) == 0 {
				rep.errorf("intent '%s' routes to '%s', which matches no capability", rule.Tag, tag)
			}
			queue = append(queue, names...)
		}
	}
	// Dependencies run as part of the plan that needs them.
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if routed[current] {
			continue
		}
		routed[current] = true
		if found, ok := reg.Lookup(current); ok {
			queue = append(queue, found.Input.Refs()...)
		}
	}
	for _, capability := range reg.List() {
		if !routed[capability.Name] {
			rep.warnf("capability '%s' is not reachable from any intent rule", capability.Name)
		}
	}
	return rep
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
