// Package events is the event bus client shared by the producers and the
// consumers of group membership events. It runs on NATS JetStream: a durable
// file-backed stream bound to the group.> subjects plays the role of a topic
// exchange, and every message carries an id used for broker-side and
// consumer-side deduplication.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName = "GROUP_EVENTS"

	// HeaderMessageID is the idempotency key of a message.
	HeaderMessageID = nats.MsgIdHdr
	HeaderTimestamp = "Event-Timestamp"

	connectAttempts = 30
	connectBackoff  = 2 * time.Second

	duplicateWindow = 2 * time.Minute
	maxAge          = 7 * 24 * time.Hour
	maxDeliver      = 5
	ackWait         = 30 * time.Second
)

// Connect dials the NATS server, retrying while the broker comes up. Once
// connected the client reconnects forever.
func Connect(ctx context.Context, url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	var (
		nc  *nats.Conn
		err error
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(connectBackoff),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn().Err(err).Msg("disconnected from NATS")
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
			}),
		)
		if err == nil {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
			return nc, nil
		}

		logger.Info().Err(err).Int("attempt", attempt).Msg("waiting for NATS")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to NATS: %w", ctx.Err())
		case <-time.After(connectBackoff):
		}
	}

	return nil, fmt.Errorf("connect to NATS after %d attempts: %w", connectAttempts, err)
}

type Bus struct {
	js  jetstream.JetStream
	log zerolog.Logger
	now func() time.Time
}

func NewBus(nc *nats.Conn, logger zerolog.Logger) (*Bus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Bus{
		js:  js,
		log: logger.With().Str("component", "bus").Logger(),
		now: time.Now,
	}, nil
}

// EnsureStream creates or updates the durable membership event stream.
func (b *Bus) EnsureStream(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectAll},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     maxAge,
		Duplicates: duplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("create or update stream %s: %w", StreamName, err)
	}

	b.log.Info().Str("stream", StreamName).Msg("stream ready")
	return nil
}

// Publish sends v as JSON on subject and returns the message id it was
// published with.
func (b *Bus) Publish(ctx context.Context, subject string, v any) (string, error) {
	msg, err := newMessage(subject, uuid.NewString(), b.now(), v)
	if err != nil {
		return "", err
	}
	id := msg.Header.Get(HeaderMessageID)

	ack, err := b.js.PublishMsg(ctx, msg, jetstream.WithMsgID(id))
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", subject, err)
	}

	b.log.Debug().
		Str("subject", subject).
		Str("message_id", id).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published event")

	return id, nil
}

func (b *Bus) PublishMemberRemoved(ctx context.Context, e MemberRemoved) (string, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	return b.Publish(ctx, KindMemberRemoved.Subject(), e)
}

func (b *Bus) PublishGroupDeleted(ctx context.Context, e GroupDeleted) (string, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	return b.Publish(ctx, KindGroupDeleted.Subject(), e)
}

func newMessage(subject, id string, ts time.Time, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderMessageID, id)
	msg.Header.Set(HeaderTimestamp, ts.UTC().Format(time.RFC3339Nano))

	return msg, nil
}

// Consume binds the durable consumer to subjects and hands every message to
// handler. The handler owns acknowledgement. The returned func stops delivery.
func (b *Bus) Consume(ctx context.Context, durable string, subjects []string, handler func(jetstream.Msg)) (func(), error) {
	stream, err := b.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", StreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        durable,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckWait:        ackWait,
		MaxDeliver:     maxDeliver,
		FilterSubjects: subjects,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(handler, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		b.log.Warn().Err(err).Str("consumer", durable).Msg("consume error")
	}))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", durable, err)
	}

	b.log.Info().Str("consumer", durable).Strs("subjects", subjects).Msg("consumer ready")
	var once sync.Once
	return func() { once.Do(cc.Stop) }, nil
}
