/*
Package tessera is an orchestration and UI protocol runtime for conversational agents.

It turns a resolved intent into a plan of registered capabilities, runs them under a deterministic workflow state machine, and streams the result to the client as incremental operations on a component graph.

# Concept

A session moves through a fixed set of workflow states (Idle, IntentCaptured, ContextResolved, Processing, AwaitingConfirmation, Executing, Rendered, Updated, Error). Capabilities are named units of delegated work with a risk tier and a deadline; anything above low risk waits for an explicit human confirmation. The client never receives a finished screen, only an ordered stream of envelopes, each carrying insert, update and remove operations on the component graph it mirrors.

# Key Features

  - Deterministic Workflow: Illegal events are refused and leave the session untouched.
  - Risk Gating: Medium and high risk capabilities run only after the exact plan is confirmed.
  - Partial Results: Failures degrade to error cards next to whatever succeeded.
  - Streaming Protocol: Envelopes are sequenced per session and replayable from any graph version.
  - Hexagonal Architecture: Storage, transports, parsers and audit sinks are ports.

# Usage

	package main

	import (
		"context"
		"log"
		"time"

		"github.com/aretw0/tessera"
		"github.com/aretw0/tessera/pkg/domain"
		"github.com/aretw0/tessera/pkg/session"
	)

	func main() {
		ctx := context.Background()
		rt, err := tessera.New(ctx, tessera.WithCapabilities(domain.Capability{
			Name:     "weather.read",
			Risk:     domain.RiskLow,
			Deadline: 2 * time.Second,
			Handler:  lookupWeather,
		}))
		if err != nil {
			log.Fatal(err)
		}

		reply, err := rt.StartSession(ctx, session.Spec{TenantID: "acme"})
		if err != nil {
			log.Fatal(err)
		}

		reply, err = rt.SubmitResolved(ctx, reply.SessionID, domain.ResolvedIntent{Tag: "weather.read"})
		if err != nil {
			log.Fatal(err)
		}
		log.Println(reply.State)
	}
*/
package tessera
