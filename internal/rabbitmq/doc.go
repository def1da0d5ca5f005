// Package rabbitmq implements the transport layer over amqp091: connection
// dialing with budgeted retry, a bounded channel pool, replayable topology
// declarations, publishing, and consuming with coalesced acknowledgment.
//
// The package is internal; callers reach it through the transports/rabbitmq
// factory and the messaging interfaces.
package rabbitmq
