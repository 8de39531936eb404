package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSQueue is the production Queue backed by NATS JetStream. Message-id
// dedup rides on JetStream's native Nats-Msg-Id header rather than anything
// this package tracks itself.
type NATSQueue struct {
	nc *nats.Conn
	js nats.JetStreamContext

	ackWait time.Duration
}

// NATSConfig configures stream/consumer durability.
type NATSConfig struct {
	URL         string
	StreamName  string
	AckWait     time.Duration
	DedupWindow time.Duration
}

// DefaultNATSConfig matches the defaults used across the pipeline's three
// subjects.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:         url,
		StreamName:  "DIAMOND_INGEST",
		AckWait:     2 * time.Minute,
		DedupWindow: 2 * time.Hour,
	}
}

// NewNATSQueue connects to url and ensures the backing stream exists,
// covering all three subjects with one stream the way JetStream examples
// typically group related subjects (see go.mod grounding note in DESIGN.md).
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("diamond-ingest"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[queue] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[queue] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{SubjectWorkItems, SubjectWorkDone, SubjectConsolidate},
		Duplicates: cfg.DedupWindow,
		Storage:    nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("queue: add stream: %w", err)
	}

	return &NATSQueue{nc: nc, js: js, ackWait: cfg.AckWait}, nil
}

// Close drains and closes the underlying connection.
func (q *NATSQueue) Close() error {
	return q.nc.Drain()
}

func (q *NATSQueue) Publish(ctx context.Context, subject, messageID string, payload []byte) error {
	_, err := q.js.Publish(subject, payload, nats.MsgId(messageID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", subject, err)
	}
	return nil
}

func (q *NATSQueue) Subscribe(ctx context.Context, subject, group string, handler Handler) error {
	sub, err := q.js.PullSubscribe(subject, group,
		nats.AckWait(q.ackWait),
		nats.ManualAck(),
		nats.MaxDeliver(-1),
	)
	if err != nil {
		return fmt.Errorf("queue: pull subscribe %s/%s: %w", subject, group, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(defaultPollWait))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			return fmt.Errorf("queue: fetch %s: %w", subject, err)
		}

		for _, m := range msgs {
			msgID := m.Header.Get(nats.MsgIdHdr)
			d := Delivery{
				MessageID: msgID,
				Data:      m.Data,
				ack:       m.Ack,
				nak:       func() error { return m.Nak() },
			}
			if err := handler(ctx, d); err != nil {
				log.Printf("[queue] handler error on %s (msg-id %s): %v", subject, msgID, err)
				if nakErr := d.Nak(); nakErr != nil {
					log.Printf("[queue] nak failed: %v", nakErr)
				}
			}
		}
	}
}
