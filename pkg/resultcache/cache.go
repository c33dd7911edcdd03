// Package resultcache stores fetched result documents keyed by job and
// hierarchy path.
//
// The cache is partitioned by job id. Only entries for the current job are
// served; switching jobs purges everything else. Concurrent requests for
// the same key share one in-flight fetch through a pending-request map, so
// N simultaneous callers cause exactly one backend call.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// FetchFunc performs the backend request for one key.
type FetchFunc func(ctx context.Context) ([]byte, error)

// FetchError reports a failed fetch for Key. It wraps the fetch error so
// callers can match the backend error with errors.As.
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// call is one in-flight fetch shared by every caller of the same key.
type call struct {
	done    chan struct{}
	entry   *Entry
	err     error
	waiters int
}

// Cache is a job-partitioned result store with single-flight fetching.
type Cache struct {
	mu      sync.Mutex
	current string
	entries map[Key]*Entry
	pending map[Key]*call
	// epoch increments whenever the current job's entries are invalidated;
	// fetches started in an older epoch do not store their result.
	epoch uint64
	now   func() time.Time
}

// New returns an empty cache with no current job.
func New() *Cache {
	return &Cache{
		entries: make(map[Key]*Entry),
		pending: make(map[Key]*call),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the FetchedAt time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetCurrentJob makes jobID the job whose entries may be served and purges
// every entry belonging to any other job.
func (c *Cache) SetCurrentJob(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == jobID {
		return
	}
	c.current = jobID
	c.epoch++
	for k := range c.entries {
		if k.JobID != jobID {
			delete(c.entries, k)
		}
	}
}

// CurrentJob returns the job id whose entries are being served.
func (c *Cache) CurrentJob() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Get returns the stored entry for key, if any. It never fetches.
func (c *Cache) Get(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

// GetOrFetch returns the entry for key, fetching it with fn when it is not
// cached for the current job.
//
// If a fetch for key is already in flight, the caller waits for that fetch
// instead of issuing another. A caller whose ctx ends stops waiting; the
// shared fetch still runs to completion for the others. Results are stored
// only if key still belongs to the current job when the fetch completes.
// Failed fetches are never stored and return a *FetchError.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fn FetchFunc) (*Entry, error) {
	if fn == nil {
		return nil, errors.New("fetch function is nil")
	}

	c.mu.Lock()
	if e, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return e, nil
	}
	cl, ok := c.pending[key]
	if !ok {
		cl = &call{done: make(chan struct{})}
		c.pending[key] = cl
		go c.fetch(ctx, key, c.epoch, cl, fn)
	}
	cl.waiters++
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.entry, cl.err
	case <-ctx.Done():
		c.mu.Lock()
		cl.waiters--
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Pending reports how many callers are waiting on an in-flight fetch for
// key, or zero when none is in flight.
func (c *Cache) Pending(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.pending[key]; ok {
		return cl.waiters
	}
	return 0
}

func (c *Cache) fetch(ctx context.Context, key Key, epoch uint64, cl *call, fn FetchFunc) {
	// The leader's cancellation must not fail callers that are still waiting.
	data, err := fn(context.WithoutCancel(ctx))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[key] == cl {
		delete(c.pending, key)
	}

	if err != nil {
		cl.err = &FetchError{Key: key, Err: err}
		close(cl.done)
		return
	}

	entry := &Entry{Key: key, Data: data, FetchedAt: c.now()}
	cl.entry = entry
	if key.JobID == c.current && epoch == c.epoch {
		c.entries[key] = entry
	}
	close(cl.done)
}

// Purge drops every entry of jobID, or every entry when jobID is empty.
// In-flight fetches are not interrupted, but their results are discarded.
func (c *Cache) Purge(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if jobID == "" || jobID == c.current {
		c.epoch++
	}
	if jobID == "" {
		c.entries = make(map[Key]*Entry)
		return
	}
	for k := range c.entries {
		if k.JobID == jobID {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookupLocked(key Key) (*Entry, bool) {
	if key.JobID != c.current {
		return nil, false
	}
	e, ok := c.entries[key]
	return e, ok
}
