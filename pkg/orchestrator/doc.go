/*
Package orchestrator coordinates one request at a time per session.

It is the only caller of the capability executor. A request walks the session
state machine from Idle through planning and rendering, streams graph
operations to the session's transport, and always leaves the session either
waiting for the user (AwaitingConfirmation, AwaitingClarification) or back in
Idle.

# Confirmation gate

Plans are split with ExecutionPlan.Partition: low-risk steps run straight
away, everything else is shown on a ConfirmationCard and only executed after
the state machine accepted userConfirms for that exact plan.

# Degradation

A failed, timed out or canceled step becomes an ErrorCard next to the
successful results, carrying the retry flag, the capability's fallback value
and the last good output seen for that capability.
*/
package orchestrator
