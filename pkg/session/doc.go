/*
Package session implements session ownership and persistence orchestration.

A Session owns the per-conversation objects of the runtime: its state machine,
its component graph and its stream emitter. The Manager hands sessions out
under a per-session lock, so every request on one session is serialized while
requests on different sessions run in parallel. Across replicas the same
guarantee is provided by an optional SessionLocker, and sessions survive a
restart through an optional SnapshotStore.
*/
package session
