package policy

import (
	"context"
	"time"

	"github.com/R3E-Network/consensus-ledger/infrastructure/cache"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
)

// TierCache is consulted by the gateway before reading the trust store on
// every policy check. Implementations are best-effort: a miss or error
// simply falls back to TrustReader.
type TierCache interface {
	Get(ctx context.Context, participantID string) (domain.Tier, bool)
	Set(ctx context.Context, participantID string, tier domain.Tier)
	Invalidate(ctx context.Context, participantID string)
}

// ttlTierCache is the default, in-process TierCache, backed by
// infrastructure/cache.TTLCache.
type ttlTierCache struct {
	c *cache.TTLCache
}

// NewTTLTierCache returns a process-local TierCache with the given TTL.
func NewTTLTierCache(ttl time.Duration) TierCache {
	return &ttlTierCache{c: cache.NewTTLCache(ttl)}
}

func (t *ttlTierCache) Get(ctx context.Context, participantID string) (domain.Tier, bool) {
	v, ok := t.c.Get(ctx, participantID)
	if !ok {
		return domain.TierNew, false
	}
	tier, ok := v.(domain.Tier)
	return tier, ok
}

func (t *ttlTierCache) Set(ctx context.Context, participantID string, tier domain.Tier) {
	t.c.Set(ctx, participantID, tier)
}

func (t *ttlTierCache) Invalidate(ctx context.Context, participantID string) {
	t.c.Delete(ctx, participantID)
}
