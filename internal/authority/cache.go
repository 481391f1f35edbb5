package authority

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/npezzotti/studyhub-realtime/internal/types"
)

const DefaultGroupsCacheTTL = time.Minute

type groupLister interface {
	ListMyGroups(ctx context.Context, cred types.Credential) ([]types.Group, error)
}

// CachedGroups memoizes ListMyGroups per user. It is used on the disconnect
// path, where a user with several devices can otherwise hit the authority once
// per closing socket.
type CachedGroups struct {
	lister groupLister
	cache  *ttlcache.Cache[string, []types.Group]
}

func NewCachedGroups(lister groupLister, ttl time.Duration) *CachedGroups {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []types.Group](ttl),
		ttlcache.WithDisableTouchOnHit[string, []types.Group](),
	)

	go cache.Start()

	return &CachedGroups{lister: lister, cache: cache}
}

func (c *CachedGroups) ListMyGroups(ctx context.Context, uid string, cred types.Credential) ([]types.Group, error) {
	if item := c.cache.Get(uid); item != nil {
		return item.Value(), nil
	}

	groups, err := c.lister.ListMyGroups(ctx, cred)
	if err != nil {
		return nil, err
	}

	c.cache.Set(uid, groups, ttlcache.DefaultTTL)
	return groups, nil
}

// Invalidate drops the cached groups of uid, for example after a membership change.
func (c *CachedGroups) Invalidate(uid string) {
	c.cache.Delete(uid)
}

// ForgetGroups lets the cache take part in membership revocation; any change
// to a user's groups drops the whole cached list.
func (c *CachedGroups) ForgetGroups(_ context.Context, uid string, _ ...string) error {
	c.Invalidate(uid)
	return nil
}

func (c *CachedGroups) Stop() {
	c.cache.Stop()
}
