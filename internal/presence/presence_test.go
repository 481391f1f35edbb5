package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/studyhub-realtime/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 60 * time.Second

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

// advance moves both the store clock and the redis clock.
func (c *clock) advance(mr *miniredis.Miniredis, d time.Duration) {
	c.now = c.now.Add(d)
	mr.FastForward(d)
}

func newTestStore(t *testing.T, ns string) (*Store, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr, rdb := testutil.TestRedis(t)

	s, err := NewStore(rdb, Options{Namespace: ns, TTL: testTTL, RememberTTL: time.Hour})
	require.NoError(t, err)

	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.Now

	return s, mr, c
}

func TestNewStore(t *testing.T) {
	_, rdb := testutil.TestRedis(t)

	tcases := []struct {
		name string
		opts Options
		err  bool
	}{
		{name: "valid", opts: Options{Namespace: "online", TTL: time.Minute, RememberTTL: time.Hour}},
		{name: "missing namespace", opts: Options{TTL: time.Minute, RememberTTL: time.Hour}, err: true},
		{name: "zero ttl", opts: Options{Namespace: "online", RememberTTL: time.Hour}, err: true},
		{name: "remember ttl too short", opts: Options{Namespace: "online", TTL: time.Minute, RememberTTL: time.Minute}, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewStore(rdb, tc.opts)
			if tc.err {
				assert.Error(t, err)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.opts.Namespace, s.Namespace())
			assert.Equal(t, tc.opts.TTL, s.TTL())
		})
	}
}

func TestStartActivity(t *testing.T) {
	ctx := context.Background()
	s, mr, c := newTestStore(t, "studying")

	meta, err := s.StartActivity(ctx, "u1", "c1", Meta{SubjectID: "math"})
	require.NoError(t, err)
	assert.Equal(t, c.now, meta.StartedAt)
	assert.Equal(t, "math", meta.SubjectID)

	assert.True(t, mr.Exists("presence:studying:active:u1"))
	assert.Equal(t, testTTL, mr.TTL("presence:studying:active:u1"))
	assert.Equal(t, testTTL, mr.TTL("presence:studying:conns:u1"))

	active, err := s.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, active)

	got, err := s.GetActive(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "math", got.SubjectID)
	assert.True(t, got.StartedAt.Equal(c.now))
	assert.True(t, got.LastHeartbeatAt.Equal(c.now))

	_, err = s.StartActivity(ctx, "", "c1", Meta{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStartActivity_OverwritesMeta(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t, "studying")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{SubjectID: "math"})
	require.NoError(t, err)

	c.now = c.now.Add(10 * time.Second)
	_, err = s.StartActivity(ctx, "u1", "c2", Meta{SubjectID: "physics"})
	require.NoError(t, err)

	got, err := s.GetActive(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "physics", got.SubjectID)
	assert.True(t, got.LastHeartbeatAt.Equal(c.now))
}

func TestStopActivity_MultipleConnections(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)
	_, err = s.StartActivity(ctx, "u1", "c2", Meta{})
	require.NoError(t, err)

	res, err := s.StopActivity(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, res.BecameOffline, "expected user to stay online while another connection is live")
	assert.Nil(t, res.Meta)

	active, err := s.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, active)

	res, err = s.StopActivity(ctx, "u1", "c2")
	require.NoError(t, err)
	assert.True(t, res.BecameOffline)
	require.NotNil(t, res.Meta)

	active, err = s.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, mr.Exists("presence:online:active:u1"))
	assert.False(t, mr.Exists("presence:online:conns:u1"))
}

func TestStopActivity_AfterExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr, c := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)

	c.advance(mr, testTTL+time.Second)

	res, err := s.StopActivity(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, res.BecameOffline, "expected expiry to have already reported the offline transition")
}

func TestStopActivity_StaleSibling(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "stale", Meta{})
	require.NoError(t, err)

	// the redis clock is left alone so the stale member is still stored
	c.now = c.now.Add(testTTL - time.Second)
	_, err = s.StartActivity(ctx, "u1", "fresh", Meta{})
	require.NoError(t, err)

	c.now = c.now.Add(2 * time.Second)
	res, err := s.StopActivity(ctx, "u1", "fresh")
	require.NoError(t, err)
	assert.True(t, res.BecameOffline, "expected stale member to be ignored")
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	s, mr, c := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)

	c.advance(mr, 30*time.Second)
	assert.Equal(t, 30*time.Second, mr.TTL("presence:online:active:u1"))

	ok, err := s.Heartbeat(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testTTL, mr.TTL("presence:online:active:u1"))
	assert.Equal(t, testTTL, mr.TTL("presence:online:conns:u1"))

	got, err := s.GetActive(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.LastHeartbeatAt.Equal(c.now))
}

func TestHeartbeat_UnknownConnection(t *testing.T) {
	ctx := context.Background()
	s, mr, c := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)
	c.advance(mr, 20*time.Second)

	ok, err := s.Heartbeat(ctx, "u1", "other")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, mr.TTL("presence:online:active:u1"), "expected TTL to be untouched")

	ok, err = s.Heartbeat(ctx, "nobody", "c1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("presence:online:active:nobody"))
}

func TestHeartbeat_StaleConnection(t *testing.T) {
	ctx := context.Background()
	s, mr, c := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)

	// the record is still stored but its last heartbeat is outside the window
	c.now = c.now.Add(testTTL + time.Second)

	ok, err := s.Heartbeat(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := s.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.True(t, mr.Exists("presence:online:active:u1"))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr, c := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)
	require.NoError(t, s.RememberGroups(ctx, "u1", "g1", "g2"))

	c.advance(mr, testTTL+time.Second)

	assert.False(t, mr.Exists("presence:online:active:u1"))
	active, err := s.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, active)

	got, err := s.GetActive(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	groups, err := s.GetRememberedGroups(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, groups, "expected remembered groups to outlive presence")
}

func TestGetActiveMany(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, "studying")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{SubjectID: "math"})
	require.NoError(t, err)
	_, err = s.StartActivity(ctx, "u3", "c3", Meta{SubjectID: "art"})
	require.NoError(t, err)

	metas, err := s.GetActiveMany(ctx, []string{"u1", "u2", "u3", "u1"})
	require.NoError(t, err)
	require.Len(t, metas, 3)
	require.NotNil(t, metas["u1"])
	assert.Equal(t, "math", metas["u1"].SubjectID)
	assert.Nil(t, metas["u2"])
	require.NotNil(t, metas["u3"])
	assert.Equal(t, "art", metas["u3"].SubjectID)

	empty, err := s.GetActiveMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	online, _, _ := newTestStore(t, "online")
	studying := &Store{
		rdb:         online.rdb,
		ns:          "studying",
		ttl:         online.ttl,
		rememberTTL: online.rememberTTL,
		now:         online.now,
	}

	_, err := online.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)

	active, err := studying.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRememberAndForgetGroups(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t, "online")

	require.NoError(t, s.RememberGroups(ctx, "u1"))
	assert.False(t, mr.Exists("presence:online:groups:u1"))

	require.NoError(t, s.RememberGroups(ctx, "u1", "g2", "g1"))
	require.NoError(t, s.RememberGroups(ctx, "u1", "g1", "g3"))
	assert.Equal(t, time.Hour, mr.TTL("presence:online:groups:u1"))

	groups, err := s.GetRememberedGroups(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2", "g3"}, groups)

	require.NoError(t, s.ForgetGroups(ctx, "u1", "g2"))
	groups, err = s.GetRememberedGroups(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g3"}, groups)

	groups, err = s.GetRememberedGroups(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestExpiredSinceAndClaim(t *testing.T) {
	ctx := context.Background()
	s, mr, c := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)
	_, err = s.StartActivity(ctx, "u2", "c2", Meta{})
	require.NoError(t, err)
	_, err = s.StartActivity(ctx, "u3", "c3", Meta{})
	require.NoError(t, err)

	// u3 stops explicitly and must not be reported as expired
	_, err = s.StopActivity(ctx, "u3", "c3")
	require.NoError(t, err)

	c.advance(mr, 40*time.Second)
	ok, err := s.Heartbeat(ctx, "u2", "c2")
	require.NoError(t, err)
	require.True(t, ok)

	c.advance(mr, 30*time.Second)

	uids, err := s.ExpiredSince(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, uids)

	claimed, err := s.ClaimExpired(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimExpired(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, claimed, "expected an expiry to be claimed exactly once")

	claimed, err = s.ClaimExpired(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, claimed, "expected an active user not to be claimable")

	uids, err = s.ExpiredSince(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestForgetExpired(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t, "online")

	_, err := s.StartActivity(ctx, "u1", "c1", Meta{})
	require.NoError(t, err)

	forgot, err := s.ForgetExpired(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, forgot, "expected a live user to be kept in the index")

	// only redis moves past the ttl
	mr.FastForward(testTTL + time.Second)

	forgot, err = s.ForgetExpired(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, forgot)

	forgot, err = s.ForgetExpired(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, forgot)

	claimed, err := s.ClaimExpired(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestKeyPatternAndUIDFromKey(t *testing.T) {
	s, _, _ := newTestStore(t, "online")

	assert.Equal(t, "presence:online:active:*", s.KeyPattern())

	tcases := []struct {
		key         string
		expectedUid string
		ok          bool
	}{
		{key: "presence:online:active:42", expectedUid: "42", ok: true},
		{key: "presence:online:active:a:b", expectedUid: "a:b", ok: true},
		{key: "presence:online:active:", ok: false},
		{key: "presence:studying:active:42", ok: false},
		{key: "presence:online:conns:42", ok: false},
	}

	for _, tc := range tcases {
		t.Run(tc.key, func(t *testing.T) {
			uid, ok := s.UIDFromKey(tc.key)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expectedUid, uid)
		})
	}
}
