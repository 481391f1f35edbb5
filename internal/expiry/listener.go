// Package expiry detects presence records that lapsed without an explicit
// stop (crashed clients, dropped networks) and broadcasts the offline
// transition to the rooms that cared about the user.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/studyhub-realtime/internal/presence"
	"github.com/npezzotti/studyhub-realtime/internal/stats"
	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Mode string

const (
	// ModeAuto uses keyspace notifications when they can be enabled and
	// polls otherwise.
	ModeAuto   Mode = "auto"
	ModeNotify Mode = "notify"
	ModePoll   Mode = "poll"

	notifyConfigKey = "notify-keyspace-events"
	pollBatchSize   = 100
)

var ErrSubscriptionClosed = errors.New("expiry subscription closed")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeAuto, ModeNotify, ModePoll:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown expiry mode %q", s)
	}
}

// Broadcaster delivers a presence update to every live connection in groupIDs.
type Broadcaster interface {
	BroadcastPresence(groupIDs []string, update types.PresenceUpdate) int
}

// Source is a presence store watched by the listener together with the status
// announced when one of its records expires.
type Source struct {
	Store   *presence.Store
	Offline types.PresenceStatus
}

type Listener struct {
	rdb          *redis.Client
	sources      []Source
	broadcaster  Broadcaster
	mode         Mode
	pollInterval time.Duration
	stats        stats.StatsProvider
	log          zerolog.Logger
}

func NewListener(rdb *redis.Client, broadcaster Broadcaster, mode Mode, pollInterval time.Duration, sp stats.StatsProvider, logger zerolog.Logger, sources ...Source) *Listener {
	return &Listener{
		rdb:          rdb,
		sources:      sources,
		broadcaster:  broadcaster,
		mode:         mode,
		pollInterval: pollInterval,
		stats:        sp,
		log:          logger.With().Str("component", "expiry").Logger(),
	}
}

// Run blocks until ctx is done. In notification mode it returns an error when
// the subscription is lost; restarting is left to the process.
func (l *Listener) Run(ctx context.Context) error {
	switch l.mode {
	case ModePoll:
		return l.poll(ctx)
	case ModeNotify:
		if err := l.enableNotifications(ctx); err != nil {
			return fmt.Errorf("enable keyspace notifications: %w", err)
		}
		return l.subscribe(ctx)
	default:
		if err := l.enableNotifications(ctx); err != nil {
			l.log.Error().Err(err).
				Dur("poll_interval", l.pollInterval).
				Msg("keyspace notifications unavailable, presence expiry falls back to polling")
			return l.poll(ctx)
		}
		return l.subscribe(ctx)
	}
}

// enableNotifications makes sure the server emits expired key events,
// keeping any flags that are already configured.
func (l *Listener) enableNotifications(ctx context.Context) error {
	current, err := l.rdb.ConfigGet(ctx, notifyConfigKey).Result()
	if err != nil {
		return fmt.Errorf("read %s: %w", notifyConfigKey, err)
	}

	flags := current[notifyConfigKey]
	if hasExpiredEvents(flags) {
		return nil
	}

	merged := mergeFlags(flags)
	if err := l.rdb.ConfigSet(ctx, notifyConfigKey, merged).Err(); err != nil {
		return fmt.Errorf("set %s to %q: %w", notifyConfigKey, merged, err)
	}

	current, err = l.rdb.ConfigGet(ctx, notifyConfigKey).Result()
	if err != nil {
		return fmt.Errorf("verify %s: %w", notifyConfigKey, err)
	}
	if !hasExpiredEvents(current[notifyConfigKey]) {
		return fmt.Errorf("%s is %q after update", notifyConfigKey, current[notifyConfigKey])
	}

	l.log.Info().Str("flags", current[notifyConfigKey]).Msg("enabled keyspace notifications")
	return nil
}

// hasExpiredEvents reports whether flags publish keyevent notifications for
// expired keys.
func hasExpiredEvents(flags string) bool {
	return strings.Contains(flags, "E") && (strings.Contains(flags, "x") || strings.Contains(flags, "A"))
}

func mergeFlags(flags string) string {
	if !strings.Contains(flags, "E") {
		flags += "E"
	}
	if !strings.Contains(flags, "x") && !strings.Contains(flags, "A") {
		flags += "x"
	}
	return flags
}

func (l *Listener) channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", l.rdb.Options().DB)
}

func (l *Listener) subscribe(ctx context.Context) error {
	pubsub := l.rdb.PSubscribe(ctx, l.channel())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", l.channel(), err)
	}
	l.log.Info().Str("channel", l.channel()).Msg("listening for presence expiry")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			l.HandleExpiredKey(ctx, msg.Payload)
		}
	}
}

// HandleExpiredKey reacts to the expiry of key. Keys that are not presence
// liveness markers are ignored.
func (l *Listener) HandleExpiredKey(ctx context.Context, key string) {
	for _, src := range l.sources {
		uid, ok := src.Store.UIDFromKey(key)
		if !ok {
			continue
		}

		log := l.log.With().Str("namespace", src.Store.Namespace()).Str("uid", uid).Logger()
		live, err := src.Store.MarkerExists(ctx, uid)
		if err != nil {
			log.Warn().Err(err).Msg("failed to check presence")
			return
		}
		if live {
			log.Debug().Msg("user active again, skipping expiry")
			return
		}

		l.announce(ctx, log, src, uid)

		// keeps the poll index from growing; the notification already fired
		if _, err := src.Store.ForgetExpired(ctx, uid); err != nil {
			log.Warn().Err(err).Msg("failed to clear expiry index")
		}
		return
	}
}

func (l *Listener) poll(ctx context.Context) error {
	l.log.Info().Dur("interval", l.pollInterval).Msg("polling for presence expiry")

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		l.Sweep(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep announces every expired user of every source once. Claiming makes a
// single caller win each expiry.
func (l *Listener) Sweep(ctx context.Context) {
	for _, src := range l.sources {
		uids, err := src.Store.ExpiredSince(ctx, pollBatchSize)
		if err != nil {
			l.log.Warn().Err(err).Str("namespace", src.Store.Namespace()).Msg("failed to list expired presence")
			continue
		}

		for _, uid := range uids {
			log := l.log.With().Str("namespace", src.Store.Namespace()).Str("uid", uid).Logger()

			// the marker outliving the index entry means the clocks disagree; retry next sweep
			live, err := src.Store.MarkerExists(ctx, uid)
			if err != nil || live {
				if err != nil {
					log.Warn().Err(err).Msg("failed to check presence")
				}
				continue
			}

			claimed, err := src.Store.ClaimExpired(ctx, uid)
			if err != nil {
				log.Warn().Err(err).Msg("failed to claim expiry")
				continue
			}
			if claimed {
				l.announce(ctx, log, src, uid)
			}
		}
	}
}

func (l *Listener) announce(ctx context.Context, log zerolog.Logger, src Source, uid string) {
	l.stats.Incr(stats.PresenceExpirations)

	groups, err := src.Store.GetRememberedGroups(ctx, uid)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load remembered groups")
		return
	}
	if len(groups) == 0 {
		log.Debug().Msg("no remembered groups for expired user")
		return
	}

	n := l.broadcaster.BroadcastPresence(groups, types.PresenceUpdate{UID: uid, Status: src.Offline})
	log.Info().Strs("groups", groups).Int("connections", n).Msg("presence expired")
}
