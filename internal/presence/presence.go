// Package presence tracks which connections currently make a user "active" in
// a namespace (for example online or studying).
//
// Liveness is a last-heartbeat timestamp plus a fixed TTL window. Every
// connection of a user is a member of a sorted set scored by its last
// heartbeat; members older than the TTL are ignored and pruned, and the keys
// themselves carry the same TTL so that a user whose devices all stop
// heartbeating disappears without an explicit stop. The expiry of the
// liveness marker key is the offline signal observed by the expiry listener.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidArgument = errors.New("uid and connection id are required")

const keyPrefix = "presence:"

type Meta struct {
	SubjectID       string    `json:"subjectId,omitempty"`
	Source          string    `json:"source,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type StopResult struct {
	BecameOffline bool
	// Meta is the last known meta of the user, set when BecameOffline is true
	// and the liveness marker still existed.
	Meta *Meta
}

type Options struct {
	Namespace   string
	TTL         time.Duration
	RememberTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Store struct {
	rdb         *redis.Client
	ns          string
	ttl         time.Duration
	rememberTTL time.Duration
	now         func() time.Time
}

func NewStore(rdb *redis.Client, opts Options) (*Store, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("presence namespace cannot be empty")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("presence TTL must be positive")
	}
	if opts.RememberTTL <= opts.TTL {
		return nil, fmt.Errorf("remember TTL must exceed the presence TTL")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		rdb:         rdb,
		ns:          opts.Namespace,
		ttl:         opts.TTL,
		rememberTTL: opts.RememberTTL,
		now:         opts.Now,
	}, nil
}

func (s *Store) Namespace() string {
	return s.ns
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) connsKey(uid string) string  { return keyPrefix + s.ns + ":conns:" + uid }
func (s *Store) activeKey(uid string) string { return s.activePrefix() + uid }
func (s *Store) groupsKey(uid string) string { return keyPrefix + s.ns + ":groups:" + uid }
func (s *Store) indexKey() string            { return keyPrefix + s.ns + ":index" }
func (s *Store) activePrefix() string        { return keyPrefix + s.ns + ":active:" }

// KeyPattern matches the liveness marker keys of this store.
func (s *Store) KeyPattern() string {
	return s.activePrefix() + "*"
}

// UIDFromKey returns the user id of a liveness marker key, or false when key
// does not belong to this store.
func (s *Store) UIDFromKey(key string) (string, bool) {
	uid, ok := strings.CutPrefix(key, s.activePrefix())
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func (s *Store) cutoff() int64 {
	return millis(s.now().Add(-s.ttl))
}

// StartActivity registers connID as a live connection of uid and writes meta
// as the current activity. Meta.StartedAt defaults to now.
func (s *Store) StartActivity(ctx context.Context, uid, connID string, meta Meta) (Meta, error) {
	if uid == "" || connID == "" {
		return Meta{}, ErrInvalidArgument
	}

	now := s.now()
	if meta.StartedAt.IsZero() {
		meta.StartedAt = now
	}
	meta.StartedAt = meta.StartedAt.UTC()
	meta.LastHeartbeatAt = now.UTC()

	data, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, fmt.Errorf("marshal meta: %w", err)
	}

	err = startScript.Run(ctx, s.rdb,
		[]string{s.connsKey(uid), s.activeKey(uid), s.indexKey()},
		connID, millis(now), s.ttl.Milliseconds(), string(data), uid, s.cutoff(),
	).Err()
	if err != nil {
		return Meta{}, fmt.Errorf("start activity: %w", err)
	}

	return meta, nil
}

// Heartbeat refreshes the TTL of uid's presence on behalf of connID. It
// returns false, touching nothing, when connID is not a live connection of uid.
func (s *Store) Heartbeat(ctx context.Context, uid, connID string) (bool, error) {
	if uid == "" || connID == "" {
		return false, ErrInvalidArgument
	}

	res, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{s.connsKey(uid), s.activeKey(uid), s.indexKey()},
		connID, millis(s.now()), s.ttl.Milliseconds(), s.cutoff(), uid,
	).Int()
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}

	return res == 1, nil
}

// StopActivity removes connID from uid's connections. The user becomes
// offline only when no live connection remains.
func (s *Store) StopActivity(ctx context.Context, uid, connID string) (StopResult, error) {
	if uid == "" || connID == "" {
		return StopResult{}, ErrInvalidArgument
	}

	res, err := stopScript.Run(ctx, s.rdb,
		[]string{s.connsKey(uid), s.activeKey(uid), s.indexKey()},
		connID, s.cutoff(), s.ttl.Milliseconds(), uid,
	).Slice()
	if err != nil {
		return StopResult{}, fmt.Errorf("stop activity: %w", err)
	}
	if len(res) != 2 {
		return StopResult{}, fmt.Errorf("stop activity: unexpected reply %v", res)
	}

	offline, _ := res[0].(int64)
	result := StopResult{BecameOffline: offline == 1}
	if raw, _ := res[1].(string); raw != "" && result.BecameOffline {
		var m Meta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return result, fmt.Errorf("unmarshal meta: %w", err)
		}
		result.Meta = &m
	}

	return result, nil
}

// IsActive reports whether uid has at least one connection that heartbeated
// within the TTL window.
func (s *Store) IsActive(ctx context.Context, uid string) (bool, error) {
	n, err := s.rdb.ZCount(ctx, s.connsKey(uid), strconv.FormatInt(s.cutoff(), 10), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("is active: %w", err)
	}
	return n > 0, nil
}

// MarkerExists reports whether the liveness marker of uid is still stored. It
// disappears only when no connection heartbeated for a full TTL.
func (s *Store) MarkerExists(ctx context.Context, uid string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.activeKey(uid)).Result()
	if err != nil {
		return false, fmt.Errorf("marker exists: %w", err)
	}
	return n > 0, nil
}

// GetActive returns the current meta of uid, or nil when uid is not active.
func (s *Store) GetActive(ctx context.Context, uid string) (*Meta, error) {
	metas, err := s.GetActiveMany(ctx, []string{uid})
	if err != nil {
		return nil, err
	}
	return metas[uid], nil
}

// GetActiveMany returns the meta of every uid, nil for inactive ones. It first
// counts live connections for all uids in one round trip and only then fetches
// meta for the active ones.
func (s *Store) GetActiveMany(ctx context.Context, uids []string) (map[string]*Meta, error) {
	result := make(map[string]*Meta, len(uids))
	if len(uids) == 0 {
		return result, nil
	}

	unique := make([]string, 0, len(uids))
	for _, uid := range uids {
		if _, seen := result[uid]; seen || uid == "" {
			continue
		}
		result[uid] = nil
		unique = append(unique, uid)
	}

	min := strconv.FormatInt(s.cutoff(), 10)
	counts := make([]*redis.IntCmd, len(unique))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, uid := range unique {
			counts[i] = pipe.ZCount(ctx, s.connsKey(uid), min, "+inf")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count connections: %w", err)
	}

	active := make([]string, 0, len(unique))
	for i, cmd := range counts {
		if cmd.Val() > 0 {
			active = append(active, unique[i])
		}
	}
	if len(active) == 0 {
		return result, nil
	}

	metas := make([]*redis.StringCmd, len(active))
	lasts := make([]*redis.ZSliceCmd, len(active))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, uid := range active {
			metas[i] = pipe.Get(ctx, s.activeKey(uid))
			lasts[i] = pipe.ZRevRangeWithScores(ctx, s.connsKey(uid), 0, 0)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch meta: %w", err)
	}

	for i, uid := range active {
		m := &Meta{}
		if raw, err := metas[i].Result(); err == nil {
			if err := json.Unmarshal([]byte(raw), m); err != nil {
				return nil, fmt.Errorf("unmarshal meta for %s: %w", uid, err)
			}
		}
		if z := lasts[i].Val(); len(z) > 0 {
			m.LastHeartbeatAt = time.UnixMilli(int64(z[0].Score)).UTC()
		}
		result[uid] = m
	}

	return result, nil
}

// RememberGroups records groupIDs as rooms interested in uid's presence. The
// set outlives the presence TTL so an expiry can still be broadcast.
func (s *Store) RememberGroups(ctx context.Context, uid string, groupIDs ...string) error {
	if uid == "" || len(groupIDs) == 0 {
		return nil
	}

	members := make([]interface{}, len(groupIDs))
	for i, id := range groupIDs {
		members[i] = id
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.groupsKey(uid), members...)
		pipe.PExpire(ctx, s.groupsKey(uid), s.rememberTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remember groups: %w", err)
	}
	return nil
}

// ForgetGroups removes groupIDs from uid's remembered groups.
func (s *Store) ForgetGroups(ctx context.Context, uid string, groupIDs ...string) error {
	if uid == "" || len(groupIDs) == 0 {
		return nil
	}

	members := make([]interface{}, len(groupIDs))
	for i, id := range groupIDs {
		members[i] = id
	}

	if err := s.rdb.SRem(ctx, s.groupsKey(uid), members...).Err(); err != nil {
		return fmt.Errorf("forget groups: %w", err)
	}
	return nil
}

func (s *Store) GetRememberedGroups(ctx context.Context, uid string) ([]string, error) {
	groups, err := s.rdb.SMembers(ctx, s.groupsKey(uid)).Result()
	if err != nil {
		return nil, fmt.Errorf("get remembered groups: %w", err)
	}
	slices.Sort(groups)
	return groups, nil
}

// ExpiredSince lists up to limit users whose last heartbeat fell out of the
// TTL window without an explicit stop.
func (s *Store) ExpiredSince(ctx context.Context, limit int64) ([]string, error) {
	uids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(s.cutoff(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return uids, nil
}

// ForgetExpired removes uid from the expiry index when its liveness marker has
// expired. It reports whether an entry was removed.
func (s *Store) ForgetExpired(ctx context.Context, uid string) (bool, error) {
	res, err := forgetExpiredScript.Run(ctx, s.rdb,
		[]string{s.indexKey(), s.activeKey(uid)},
		uid,
	).Int()
	if err != nil {
		return false, fmt.Errorf("forget expired: %w", err)
	}
	return res == 1, nil
}

// ClaimExpired removes uid from the expiry index if it is still expired. Only
// one caller wins the claim for a given expiry.
func (s *Store) ClaimExpired(ctx context.Context, uid string) (bool, error) {
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{s.indexKey(), s.connsKey(uid)},
		uid, s.cutoff(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("claim expired: %w", err)
	}
	return res == 1, nil
}
