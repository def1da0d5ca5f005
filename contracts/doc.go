// Package contracts defines the wire-facing data shapes shared between the
// broker facade, the dispatch core, and transport adapters: the canonical
// outbound Publishing record, the inbound Delivery with bound acknowledgment
// operations, and the tagged connection lifecycle Event.
package contracts
