package apihttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"streamproxy/internal/cache"
	"streamproxy/internal/metrics"
	"streamproxy/internal/upstream"
)

const prefetchFetchTimeout = 30 * time.Second

// prefetcher warms the first few segments of a freshly served playlist into
// the cache so the player's initial buffering is served locally. Concurrency
// is bounded to avoid hammering the upstream.
type prefetcher struct {
	upstream UpstreamFetcher
	cache    *cache.Manager
	limit    int
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

func newPrefetcher(up UpstreamFetcher, c *cache.Manager, limit, concurrency int, logger *slog.Logger) *prefetcher {
	if limit <= 0 || c == nil {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &prefetcher{
		upstream: up,
		cache:    c,
		limit:    limit,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   logger,
	}
}

// Warm fetches up to the configured number of refs and stores them under
// manifestURL's association. Already-valid entries are skipped. Runs on its
// own context: the triggering request has already been answered.
func (p *prefetcher) Warm(manifestURL string, refs []string) {
	if len(refs) > p.limit {
		refs = refs[:p.limit]
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		if p.cache.IsValid(ref) {
			continue
		}
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			p.warmOne(ref, manifestURL)
		}(ref)
	}
	wg.Wait()
}

func (p *prefetcher) warmOne(ref, manifestURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), prefetchFetchTimeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	resp, err := p.upstream.Fetch(ctx, upstream.Request{URL: ref})
	if err != nil {
		p.logger.Debug("prefetch fetch failed", slog.String("url", ref), slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cache.MaxEntryBytes()+1))
	if err != nil || int64(len(body)) > p.cache.MaxEntryBytes() {
		return
	}

	p.cache.Put(ref, manifestURL, body)
	metrics.PrefetchedSegmentsTotal.Inc()
}
