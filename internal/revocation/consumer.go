// Package revocation keeps live socket rooms consistent with the Group
// service's membership data by reacting to membership events.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/npezzotti/studyhub-realtime/internal/database"
	"github.com/npezzotti/studyhub-realtime/internal/events"
	"github.com/npezzotti/studyhub-realtime/internal/stats"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DurableName = "realtime-revocation"
	seenPrefix  = "seen:"
)

// Message is the part of a delivered bus message the consumer uses.
// jetstream.Msg satisfies it.
type Message interface {
	Subject() string
	Data() []byte
	Headers() nats.Header
	Ack() error
	Term() error
}

// Evictor removes live connections from rooms and notifies them.
type Evictor interface {
	EvictUser(groupID, uid, reason string) int
	EvictRoom(groupID, reason string) int
}

// GroupForgetter drops a group from a user's remembered groups so that later
// presence broadcasts no longer reach the room.
type GroupForgetter interface {
	ForgetGroups(ctx context.Context, uid string, groupIDs ...string) error
}

type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeDuplicate
	OutcomeIgnored
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeDeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

type Consumer struct {
	rdb        *redis.Client
	evictor    Evictor
	forgetters []GroupForgetter
	deadLetter database.DeadLetterRepository
	stats      stats.StatsProvider
	dedupTTL   time.Duration
	log        zerolog.Logger
}

type Option func(*Consumer)

// WithDeadLetters stores terminated messages in repo.
func WithDeadLetters(repo database.DeadLetterRepository) Option {
	return func(c *Consumer) {
		c.deadLetter = repo
	}
}

func WithForgetters(f ...GroupForgetter) Option {
	return func(c *Consumer) {
		c.forgetters = append(c.forgetters, f...)
	}
}

func NewConsumer(rdb *redis.Client, evictor Evictor, dedupTTL time.Duration, sp stats.StatsProvider, logger zerolog.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		rdb:      rdb,
		evictor:  evictor,
		stats:    sp,
		dedupTTL: dedupTTL,
		log:      logger.With().Str("component", "revocation").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start binds the durable consumer to every group subject. Subjects the
// consumer does not know are acknowledged and skipped.
func (c *Consumer) Start(ctx context.Context, bus *events.Bus) (func(), error) {
	return bus.Consume(ctx, DurableName, []string{events.SubjectAll}, func(msg jetstream.Msg) {
		c.Handle(ctx, msg)
	})
}

// Handle processes one delivery and settles it. It never returns an error: a
// message is acknowledged, skipped or terminated.
func (c *Consumer) Handle(ctx context.Context, msg Message) Outcome {
	id := msg.Headers().Get(events.HeaderMessageID)
	log := c.log.With().Str("subject", msg.Subject()).Str("message_id", id).Logger()

	if id != "" {
		seen, err := c.rdb.Exists(ctx, seenPrefix+id).Result()
		switch {
		case err != nil:
			// replaying an eviction is a no-op
			log.Warn().Err(err).Msg("dedup lookup failed, processing anyway")
		case seen > 0:
			log.Debug().Msg("skipping duplicate event")
			c.stats.Incr(stats.EventsDuplicate)
			c.ack(log, msg)
			return OutcomeDuplicate
		}
	}

	ev, err := events.Decode(msg.Subject(), msg.Data())
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			log.Info().Msg("ignoring unknown event")
		} else {
			log.Warn().Err(err).Msg("ignoring malformed event")
		}
		c.ack(log, msg)
		return OutcomeIgnored
	}
	log = log.With().Stringer("kind", ev.Kind).Str("group_id", ev.GroupID()).Logger()

	if err := c.dispatch(ctx, log, ev); err != nil {
		c.terminate(ctx, log, msg, id, err)
		return OutcomeDeadLettered
	}

	if id != "" {
		if err := c.rdb.Set(ctx, seenPrefix+id, 1, c.dedupTTL).Err(); err != nil {
			c.terminate(ctx, log, msg, id, fmt.Errorf("record seen: %w", err))
			return OutcomeDeadLettered
		}
	}

	c.stats.Incr(stats.EventsProcessed)
	c.ack(log, msg)
	return OutcomeProcessed
}

func (c *Consumer) dispatch(ctx context.Context, log zerolog.Logger, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", ev.Kind, r)
		}
	}()

	switch ev.Kind {
	case events.KindMemberRemoved:
		e := ev.MemberRemoved
		n := c.evictor.EvictUser(e.GroupID, e.UID, e.Reason)
		log.Info().
			Str("uid", e.UID).
			Int("connections", n).
			Msg("member removed")

		for _, f := range c.forgetters {
			if err := f.ForgetGroups(ctx, e.UID, e.GroupID); err != nil {
				log.Warn().Err(err).Str("uid", e.UID).Msg("failed to forget group")
			}
		}
	case events.KindGroupDeleted:
		e := ev.GroupDeleted
		n := c.evictor.EvictRoom(e.GroupID, e.Reason)
		log.Info().
			Int("connections", n).
			Msg("group deleted")
	default:
		return fmt.Errorf("unhandled event kind %s", ev.Kind)
	}

	return nil
}

func (c *Consumer) ack(log zerolog.Logger, msg Message) {
	if err := msg.Ack(); err != nil {
		log.Warn().Err(err).Msg("failed to ack message")
	}
}

// terminate settles msg without redelivery and keeps a copy for inspection.
func (c *Consumer) terminate(ctx context.Context, log zerolog.Logger, msg Message, id string, cause error) {
	log.Error().Err(cause).Msg("event processing failed, terminating message")
	c.stats.Incr(stats.EventsDeadLettered)

	if err := msg.Term(); err != nil {
		log.Warn().Err(err).Msg("failed to terminate message")
	}

	if c.deadLetter == nil {
		return
	}

	_, err := c.deadLetter.SaveDeadLetter(ctx, database.DeadLetter{
		MessageId: id,
		Subject:   msg.Subject(),
		Payload:   msg.Data(),
		Headers:   map[string][]string(msg.Headers()),
		Error:     cause.Error(),
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to store dead letter")
	}
}
