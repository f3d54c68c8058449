package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/results-engine/metrics"
	"github.com/warp/results-engine/results"
	"golang.org/x/sync/singleflight"
)

// Cached is a results.Source that keeps successful fetches for a TTL and
// coalesces concurrent fetches of the same page. Failures are not cached.
// Returned pages are shared and must not be modified.
//
// Cached implements results.Invalidator; complete deletions flush it so a
// deleted value cannot be served from a stale page.
type Cached struct {
	src   results.Source
	ttl   time.Duration
	clock results.Clock

	mu     sync.Mutex
	gen    uint64
	months map[results.MonthKey]cachedGrid
	live   *cachedLive

	flight singleflight.Group
}

type cachedGrid struct {
	grid    *results.RawGrid
	expires time.Time
}

type cachedLive struct {
	live    *results.RawLiveResults
	expires time.Time
}

// NewCached wraps src. A ttl <= 0 disables caching but keeps coalescing.
func NewCached(src results.Source, ttl time.Duration, clock results.Clock) *Cached {
	if clock == nil {
		clock = results.SystemClock{}
	}
	return &Cached{
		src:    src,
		ttl:    ttl,
		clock:  clock,
		months: make(map[results.MonthKey]cachedGrid),
	}
}

// Invalidate drops every cached page. Fetches already in flight are neither
// stored nor shared with later callers.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.months = make(map[results.MonthKey]cachedGrid)
	c.live = nil
}

// Fetch returns the cached month page or fetches it.
func (c *Cached) Fetch(ctx context.Context, year int, month time.Month) (*results.RawGrid, error) {
	key := results.NewMonthKey(year, month)
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.months[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		metrics.SourceFetches.WithLabelValues(KindMonth, metrics.OutcomeCached).Inc()
		return e.grid, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.flight.Do(fmt.Sprintf("month:%s@%d", key, gen), func() (any, error) {
		c.mu.Lock()
		if e, ok := c.months[key]; ok && c.clock.Now().Before(e.expires) {
			c.mu.Unlock()
			return e.grid, nil
		}
		c.mu.Unlock()

		grid, err := c.src.Fetch(ctx, year, month)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.ttl > 0 && c.gen == gen {
			c.months[key] = cachedGrid{grid: grid, expires: c.clock.Now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return grid, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*results.RawGrid), nil
}

// FetchLive returns the cached live results or fetches them.
func (c *Cached) FetchLive(ctx context.Context) (*results.RawLiveResults, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if c.live != nil && now.Before(c.live.expires) {
		live := c.live.live
		c.mu.Unlock()
		metrics.SourceFetches.WithLabelValues(KindLive, metrics.OutcomeCached).Inc()
		return live, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.flight.Do(fmt.Sprintf("live@%d", gen), func() (any, error) {
		c.mu.Lock()
		if c.live != nil && c.clock.Now().Before(c.live.expires) {
			live := c.live.live
			c.mu.Unlock()
			return live, nil
		}
		c.mu.Unlock()

		live, err := c.src.FetchLive(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.ttl > 0 && c.gen == gen {
			c.live = &cachedLive{live: live, expires: c.clock.Now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return live, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*results.RawLiveResults), nil
}
