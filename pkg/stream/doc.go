// Package stream serializes component graph operations and workflow states
// into the ordered envelope sequence a renderer consumes.
//
// An Emitter is bound to one session and one Transport. Each request opens a
// Stream with Begin; the Stream owns a bounded queue drained by a single writer
// goroutine, so envelopes reach the transport exactly in emission order. Emit
// returns only once its envelope has been written. A watchdog aborts streams
// that stay idle past the configured timeout, always ending them with a
// terminal ErrorCard chunk.
package stream
