package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultGuardTTL = 2 * time.Minute

// SettleGuard deduplicates settle checks across replicas. A check for a given
// (unit, generation) pair runs on at most one instance: the first replica to
// SET NX the key wins, the rest skip. Duplicate checks are harmless either
// way, so guard failures degrade to allowing the check rather than blocking
// it.
type SettleGuard struct {
	client *Client
	ttl    time.Duration
}

func NewSettleGuard(client *Client, ttl time.Duration) *SettleGuard {
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &SettleGuard{client: client, ttl: ttl}
}

// Acquire claims the settle check for one unit generation. Returns true when
// this instance should run the check.
func (g *SettleGuard) Acquire(ctx context.Context, unitID string, generation int64) (bool, error) {
	key := g.client.Key("settle", unitID, fmt.Sprintf("g%d", generation))

	inner := g.client.Inner()
	resp := inner.Do(ctx, inner.B().Set().Key(key).Value("1").Nx().Ex(g.ttl).Build())
	if err := resp.Error(); err != nil {
		if IsNil(err) {
			// NX lost: another replica already owns this check.
			return false, nil
		}
		logrus.WithError(err).Warn("[SETTLE_GUARD] Valkey unavailable, running check locally")
		return true, nil
	}
	return true, nil
}
