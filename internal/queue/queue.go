// Package queue wires the durable stream and pull consumers: a NATS
// JetStream stream with one subject per webhook direction, each with a
// durable pull consumer. Every processing error still acks rather than
// Nak'ing, so a poison payload cannot block the subject behind it.
package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"wootrico-bridge/internal/config"
	"wootrico-bridge/internal/log"
)

// Queue owns the JetStream connection and stream/consumer topology.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext

	cfg    *config.Config
	logger *log.Logger
}

// Connect dials the queue URL, ensures the stream and both durable
// consumers exist, and returns a ready Queue.
func Connect(cfg *config.Config, logger *log.Logger) (*Queue, error) {
	nc, err := nats.Connect(cfg.QueueURL, nats.Name("wootrico-bridge"))
	if err != nil {
		return nil, fmt.Errorf("connect to queue: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	q := &Queue{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := q.ensureTopology(); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureTopology() error {
	_, err := q.js.StreamInfo(q.cfg.StreamName)
	if err != nil {
		_, err = q.js.AddStream(&nats.StreamConfig{
			Name:     q.cfg.StreamName,
			Subjects: []string{q.cfg.SubjectPrincipal, q.cfg.SubjectCallback},
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", q.cfg.StreamName, err)
		}
	}

	consumers := []struct {
		durable string
		subject string
	}{
		{q.cfg.ConsumerPrincipal, q.cfg.SubjectPrincipal},
		{q.cfg.ConsumerCallback, q.cfg.SubjectCallback},
	}
	for _, c := range consumers {
		if _, err := q.js.ConsumerInfo(q.cfg.StreamName, c.durable); err != nil {
			_, err = q.js.AddConsumer(q.cfg.StreamName, &nats.ConsumerConfig{
				Durable:       c.durable,
				AckPolicy:     nats.AckExplicitPolicy,
				FilterSubject: c.subject,
			})
			if err != nil {
				return fmt.Errorf("create consumer %s: %w", c.durable, err)
			}
		}
	}
	return nil
}

// PublishPrincipal publishes a provider webhook payload to subject P.
func (q *Queue) PublishPrincipal(body []byte) error {
	_, err := q.js.Publish(q.cfg.SubjectPrincipal, body)
	return err
}

// PublishCallback publishes a helpdesk callback payload to subject C.
func (q *Queue) PublishCallback(body []byte) error {
	_, err := q.js.Publish(q.cfg.SubjectCallback, body)
	return err
}

// Handler processes one queued message's body. A returned error is
// logged but never triggers redelivery.
type Handler func(ctx context.Context, body []byte) error

// RunPrincipalConsumer pulls from subject P until ctx is cancelled.
func (q *Queue) RunPrincipalConsumer(ctx context.Context, handle Handler) error {
	return q.run(ctx, q.cfg.SubjectPrincipal, q.cfg.ConsumerPrincipal, q.cfg.WorkerPrincipal, handle)
}

// RunCallbackConsumer pulls from subject C until ctx is cancelled.
func (q *Queue) RunCallbackConsumer(ctx context.Context, handle Handler) error {
	return q.run(ctx, q.cfg.SubjectCallback, q.cfg.ConsumerCallback, q.cfg.WorkerCallback, handle)
}

func (q *Queue) run(ctx context.Context, subject, durable, worker string, handle Handler) error {
	sub, err := q.js.PullSubscribe(subject, durable, nats.BindStream(q.cfg.StreamName))
	if err != nil {
		return fmt.Errorf("pull-subscribe %s/%s: %w", subject, durable, err)
	}
	logger := q.logger.WithComponent(worker)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(q.cfg.FetchBatchSize, nats.Context(ctx))
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			if err == nats.ErrTimeout {
				continue
			}
			logger.Warn().Err(err).Str("subject", subject).Msg("fetch failed")
			continue
		}

		for _, msg := range msgs {
			q.process(ctx, logger, msg, handle)
		}
	}
}

func (q *Queue) process(ctx context.Context, logger *log.Logger, msg *nats.Msg, handle Handler) {
	if err := handle(ctx, msg.Data); err != nil {
		logger.Error().Err(err).Msg("processing error, acking anyway to avoid head-of-line blocking")
	}
	if err := msg.Ack(); err != nil {
		logger.Warn().Err(err).Msg("ack failed")
	}
}

// Close closes the connection without draining; no draining is required
// because the consumers are durable and redelivery resumes on restart.
func (q *Queue) Close() {
	q.nc.Close()
}
