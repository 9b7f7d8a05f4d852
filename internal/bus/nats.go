// Package bus wraps NATS JetStream as the notification bus: durable queues
// with bounded long polling, a visibility window and explicit deletes.
// Messages are delivered at least once; a consumer that does not Ack within
// the window sees the message again.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-annotator/pkg/schema"
)

type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// EnsureStream creates the stream holding the given subjects if it does not
// exist yet. Safe to call from every worker at startup.
func (c *Client) EnsureStream(name string, subjects ...string) error {
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.WorkQueuePolicy,
	})
	return err
}

// PublishJSON wraps v in the bus envelope and publishes it durably.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := schema.Wrap(v)
	if err != nil {
		return err
	}
	_, err = c.js.Publish(subject, data)
	return err
}

// Delivery is one received message. Ack deletes it from the queue; an
// unacked delivery reappears after the visibility window expires.
type Delivery struct {
	Data []byte
	ack  func() error
}

// NewDelivery builds a Delivery with an explicit ack hook. Intended for
// tests and alternative transports.
func NewDelivery(data []byte, ack func() error) Delivery {
	return Delivery{Data: data, ack: ack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Queue is a durable pull consumer shared by any number of worker
// instances.
type Queue struct {
	sub *nats.Subscription
}

// PullQueue binds a durable pull consumer to subject. ackWait is the
// visibility window for unacknowledged deliveries.
func (c *Client) PullQueue(subject, durable string, ackWait time.Duration) (*Queue, error) {
	sub, err := c.js.PullSubscribe(subject, durable,
		nats.AckExplicit(),
		nats.AckWait(ackWait),
	)
	if err != nil {
		return nil, err
	}
	return &Queue{sub: sub}, nil
}

// Receive long-polls for up to max messages, waiting at most wait. A timeout
// with nothing available returns an empty slice, not an error. Cancelling
// ctx interrupts the poll immediately.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := q.sub.Fetch(max, nats.Context(fctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Delivery{Data: m.Data, ack: func() error { return m.Ack() }})
	}
	return out, nil
}
