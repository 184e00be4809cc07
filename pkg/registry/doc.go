// Package registry holds the capability registry and the intent router.
//
// Capabilities are registered at startup, from code or from a YAML manifest,
// and the registry is sealed before serving traffic. The Router maps a
// domain.ResolvedIntent to a domain.ExecutionPlan by exact tag matching and
// groups the matched capabilities by data dependency.
package registry
