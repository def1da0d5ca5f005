// Package messaging contains the broker core: the connection lifecycle
// orchestrator, the topic dispatch router, the request/reply correlation
// table, the coalescing ack batcher, and the transport interfaces the
// adapters implement.
//
// The facade in the root package composes these into the public surface;
// nothing here dials a network by itself.
package messaging
