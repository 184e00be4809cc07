/*
Package ports defines the driven ports (interfaces) of the Tessera runtime.

These interfaces decouple the orchestration core from the collaborators it
talks to, so the same runtime can run against in-memory fakes in tests and
against Redis, SQL or a language model in production.

# Key Interfaces

  - IntentParser: the reasoning step turning free-form text into a ResolvedIntent.
  - SnapshotStore: persists session snapshots between restarts.
  - SessionLocker: serializes access to a session across replicas.
  - AuditSink: records accepted state transitions.
  - CatalogLoader: supplies capability declarations from an external source.
*/
package ports
