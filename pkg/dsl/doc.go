/*
Package dsl provides a Go DSL for declaring capability catalogs in code.

It is the programmatic counterpart of capabilities.yaml and catalog
frontmatter: the same declarations, built with a fluent, type-checked API
and bound to their handlers in one place. This is useful for embedding
Tessera as a library and for tests.

Example usage:

	package main

	import (
		"time"

		"github.com/aretw0/tessera/pkg/domain"
		"github.com/aretw0/tessera/pkg/dsl"
	)

	func main() {
		b := dsl.New()

		b.Add("calendar.read").
			Tags("agenda", "briefing").
			Deadline(2 * time.Second).
			Idempotent().
			Handle(readCalendar)

		b.Add("mail.send").
			Gated().
			Input("to", "string").
			Needs("agenda", "calendar.read").
			Handle(sendMail)

		reg, err := b.Build()
		// ... pass reg to tessera.New(tessera.WithRegistry(reg))
	}
*/
package dsl
