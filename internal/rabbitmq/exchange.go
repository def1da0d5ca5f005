package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warrenmq/warren/contracts"
	"github.com/warrenmq/warren/messaging"
)

// Exchange is a declared exchange bound to one connection's channel pool.
type Exchange struct {
	opts messaging.ExchangeOptions
	pool *ChannelPool
}

func (e *Exchange) Name() string { return e.opts.Name }

func (e *Exchange) ContentType() string { return e.opts.ContentType }

// Publish hands the serialized record to the broker. A non-zero Expiration
// bounds the operation with a deadline.
func (e *Exchange) Publish(ctx context.Context, p *contracts.Publishing) error {
	if p.Expiration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Expiration)
		defer cancel()
	}

	msg := amqp.Publishing{
		AppId:           p.AppID,
		Type:            p.Type,
		Body:            p.Raw,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		Timestamp:       p.Timestamp,
		Headers:         toTable(p),
	}

	err := e.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, e.opts.Name, p.RoutingKey, false, false, msg)
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish to %q: %w", e.opts.Name, err)
	}
	return nil
}

// toTable builds the wire headers. Streaming-reply ordering rides in
// dedicated headers so partial and terminal parts are distinguishable on
// the consuming side.
func toTable(p *contracts.Publishing) amqp.Table {
	table := make(amqp.Table, len(p.Headers)+2)
	for k, v := range p.Headers {
		table[k] = v
	}
	if p.SequenceNo != 0 || p.SequenceEnd {
		table[contracts.HeaderSequenceNo] = int32(p.SequenceNo)
		table[contracts.HeaderSequenceEnd] = p.SequenceEnd
	}
	return table
}
