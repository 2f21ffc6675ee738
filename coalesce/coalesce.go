// Package coalesce folds concurrent cache-miss requests for the same
// URL into one upstream fetch, in-process via singleflight and across
// nodes via short-TTL cache sentinels.
package coalesce

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"golang.org/x/sync/singleflight"

	"github.com/tailstream/tailstream/edgecache"
)

var mon = monkit.Package()

const (
	// Linger keeps a resolved result around so near-simultaneous
	// arrivals find it before the cache write lands.
	Linger = 200 * time.Millisecond
	// MaxEntries caps the memo map.
	MaxEntries = 100_000

	// SentinelTTL bounds how long a cross-node sentinel may block
	// other nodes.
	SentinelTTL = 30 * time.Second
	// JitterMax spreads concurrent arrivals before the sentinel check.
	JitterMax = 20 * time.Millisecond
	// PollInterval is how often losers re-check the cache.
	PollInterval = 50 * time.Millisecond
	// PollDeadline is the losers' overall wait budget.
	PollDeadline = 31 * time.Second
)

// Fetch produces the response for a URL. cacheable controls whether
// the result may linger; stale tail data must not.
type Fetch func() (entry *edgecache.Entry, cacheable bool, err error)

// Coalescer deduplicates in-flight fetches per URL.
type Coalescer struct {
	group singleflight.Group

	mu   sync.Mutex
	memo map[string]*edgecache.Entry

	linger time.Duration
	max    int
}

func New() *Coalescer {
	return &Coalescer{
		memo:   make(map[string]*edgecache.Entry),
		linger: Linger,
		max:    MaxEntries,
	}
}

// Do returns the memoized result for url, or folds the caller into the
// in-flight fetch, running it if none exists. A failed fetch rejects
// every folded caller and leaves no state behind.
func (c *Coalescer) Do(url string, fetch Fetch) (*edgecache.Entry, error) {
	c.mu.Lock()
	if e, ok := c.memo[url]; ok {
		c.mu.Unlock()
		mon.Counter("coalesce_memo_hit").Inc(1)
		return e, nil
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(url, func() (any, error) {
		entry, cacheable, err := fetch()
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.remember(url, entry)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		mon.Counter("coalesce_folded").Inc(1)
	}
	return v.(*edgecache.Entry), nil
}

func (c *Coalescer) remember(url string, entry *edgecache.Entry) {
	c.mu.Lock()
	if len(c.memo) >= c.max {
		c.mu.Unlock()
		return
	}
	c.memo[url] = entry
	c.mu.Unlock()

	time.AfterFunc(c.linger, func() {
		c.mu.Lock()
		delete(c.memo, url)
		c.mu.Unlock()
	})
}

// Size reports the current memo population, for debug tooling.
func (c *Coalescer) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memo)
}

// SentinelKey derives the cross-node marker URL for a request URL.
func SentinelKey(url string) string {
	if strings.Contains(url, "?") {
		return url + "&__sentinel=1"
	}
	return url + "?__sentinel=1"
}

// DoAcross runs the cross-node protocol over the shared cache: jitter,
// then either claim the sentinel and fetch, or poll for the winner's
// entry. cache may be nil, which degrades to in-process coalescing.
func (c *Coalescer) DoAcross(ctx context.Context, url string, cache *edgecache.Cache, fetch Fetch) (*edgecache.Entry, error) {
	if cache == nil {
		return c.Do(url, fetch)
	}

	jitter := time.Duration(rand.Int63n(int64(JitterMax)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if e, ok := cache.Get(url); ok {
		return e, nil
	}

	sentinel := SentinelKey(url)
	if _, claimed := cache.Get(sentinel); !claimed {
		cache.Put(sentinel, &edgecache.Entry{ExpiresAt: time.Now().Add(SentinelTTL)})
		entry, err := c.Do(url, fetch)
		cache.Delete(sentinel)
		return entry, err
	}

	// Another node (or request) holds the sentinel; wait for its entry.
	deadline := time.NewTimer(PollDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if e, ok := cache.Get(url); ok {
				mon.Counter("coalesce_sentinel_hit").Inc(1)
				return e, nil
			}
			if _, held := cache.Get(sentinel); !held {
				// Winner gave up without caching; take over.
				return c.Do(url, fetch)
			}
		case <-deadline.C:
			return c.Do(url, fetch)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
