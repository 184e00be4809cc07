/*
Package runner implements the interactive console loop of a Tessera session.

It is the bridge between a person at a terminal (or a host speaking JSON
lines) and the orchestrator. Lines are sanitized and parsed into commands:
plain text becomes an intent, slash commands answer the open cards.
Envelopes are not printed here; they reach the console through the session's
stream transport, typically the tui renderer.

# Key Components

  - Runner: reads commands, dispatches them and turns Ctrl+C into a cancel
    of the request in flight.
  - IOHandler: decouples how commands arrive and how replies are reported.
  - TextHandler / JSONHandler: interactive and structured implementations.

# Usage

	r := runner.NewRunner(orch, sessionID,
		runner.WithInputHandler(runner.NewTextHandler(os.Stdin, os.Stdout)),
	)

	if err := r.Run(ctx); err != nil {
		log.Fatal(err)
	}
*/
package runner
