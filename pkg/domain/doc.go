/*
Package domain contains the core models of the Tessera runtime.

It defines the workflow states and events of a session, the nodes and
operations of the component graph, capabilities and the plans built from them,
and the envelopes streamed to renderers. The package is pure: no I/O, no
persistence, no transport.

# Key Entities

  - WorkflowState / Event: the vocabulary of the per-session state machine.
  - Node / GraphOperation: the incremental UI representation.
  - Capability / ExecutionPlan / CapabilityResult: delegated work and its outcome.
  - StreamEnvelope: the ordered unit sent to a renderer.
*/
package domain
