package gateway

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/store"
)

// Snapshot writes every live entry to st.
func (c *Cache) Snapshot(ctx context.Context, st store.Store) (int, error) {
	c.mu.Lock()
	now := c.nowFunc()
	rows := make([]store.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.expired(now) {
			continue
		}
		usage, err := json.Marshal(e.Usage)
		if err != nil {
			c.mu.Unlock()
			return 0, eris.Wrap(err, "gateway: marshal usage")
		}
		rows = append(rows, store.CacheEntry{
			Key:            e.Key,
			Scope:          e.Scope,
			Model:          e.Model,
			Operation:      e.Operation,
			Features:       append([]string(nil), e.Features...),
			Payload:        []byte(e.Payload),
			Usage:          usage,
			CreatedAt:      e.CreatedAt,
			ExpiresAt:      e.ExpiresAt,
			LastAccessedAt: e.LastAccessedAt,
			HitCount:       e.HitCount,
		})
	}
	c.mu.Unlock()

	if len(rows) == 0 {
		return 0, nil
	}
	if err := st.SaveCacheEntries(ctx, rows); err != nil {
		return 0, eris.Wrap(err, "gateway: save snapshot")
	}
	if _, err := st.DeleteExpiredCache(ctx, now); err != nil {
		zap.L().Warn("gateway: delete expired snapshot rows", zap.Error(err))
	}
	return len(rows), nil
}

// Restore loads the live entries saved in st. Entries already in memory are
// kept. Restored entries keep their original expiry.
func (c *Cache) Restore(ctx context.Context, st store.Store) (int, error) {
	rows, err := st.LoadCacheEntries(ctx, c.nowFunc())
	if err != nil {
		return 0, eris.Wrap(err, "gateway: load snapshot")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	n := 0
	for _, r := range rows {
		if _, ok := c.entries[r.Key]; ok || !now.Before(r.ExpiresAt) {
			continue
		}
		var usage model.TokenUsage
		if len(r.Usage) > 0 {
			if err := json.Unmarshal(r.Usage, &usage); err != nil {
				zap.L().Warn("gateway: skip snapshot row with bad usage",
					zap.String("key", r.Key), zap.Error(err))
				continue
			}
		}
		c.entries[r.Key] = &Entry{
			Key:            r.Key,
			Scope:          r.Scope,
			Model:          r.Model,
			Operation:      r.Operation,
			Features:       r.Features,
			Payload:        string(r.Payload),
			ContentHash:    hashParts(string(r.Payload)),
			Usage:          usage,
			CreatedAt:      r.CreatedAt,
			ExpiresAt:      r.ExpiresAt,
			LastAccessedAt: r.LastAccessedAt,
			HitCount:       r.HitCount,
		}
		n++
	}
	c.evictLocked(now)
	zap.L().Info("gateway: restored response cache", zap.Int("entries", n))
	return n, nil
}
