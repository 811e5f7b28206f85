package dedup

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type embedStats struct {
	calls int
	hits  int
}

// embedAll returns one vector per text. Cached texts are not sent; the rest
// go out in batches with bounded concurrency and a shared inter-batch limiter.
func (d *Deduplicator) embedAll(ctx context.Context, texts []string) ([][]float32, embedStats, error) {
	var stats embedStats
	hashes := make([]string, len(texts))
	var missing []string
	queued := make(map[string]bool)
	for i, text := range texts {
		h := TextHash(text)
		hashes[i] = h
		if _, ok := d.cache.Get(h); ok {
			stats.hits++
			continue
		}
		if !queued[h] {
			queued[h] = true
			missing = append(missing, text)
		}
	}

	if len(missing) > 0 {
		if d.embedder == nil {
			return nil, stats, eris.New("dedup: no embedder configured")
		}
		var calls atomic.Int64
		limiter := rate.NewLimiter(rate.Inf, 1)
		if d.cfg.BatchDelay > 0 {
			limiter = rate.NewLimiter(rate.Every(d.cfg.BatchDelay), 1)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(d.cfg.Concurrency, 1))
		size := max(d.cfg.BatchSize, 1)
		for start := 0; start < len(missing); start += size {
			batch := missing[start:min(start+size, len(missing))]
			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				calls.Add(1)
				vecs, err := d.embedder.Embed(gctx, batch)
				if err != nil {
					return eris.Wrap(err, "dedup: embed batch")
				}
				if len(vecs) != len(batch) {
					return eris.Errorf("dedup: embedder returned %d vectors for %d texts", len(vecs), len(batch))
				}
				for i, text := range batch {
					d.cache.Put(TextHash(text), vecs[i])
				}
				return nil
			})
		}
		err := g.Wait()
		stats.calls = int(calls.Load())
		if err != nil {
			return nil, stats, err
		}
	}

	out := make([][]float32, len(texts))
	for i, h := range hashes {
		v, ok := d.cache.Get(h)
		if !ok {
			return nil, stats, eris.Errorf("dedup: missing embedding for text %d", i)
		}
		out[i] = v
	}
	return out, stats, nil
}
