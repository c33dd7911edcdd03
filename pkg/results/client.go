// Package results is the typed façade over the backend result endpoints.
//
// Every lookup composes a resultcache.Key and delegates to the shared
// cache, so repeated and concurrent requests for the same result cost one
// backend call. Backend errors reach the caller unchanged (wrapped in a
// *resultcache.FetchError, matchable with errors.As against
// *backend.BackendError).
package results

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/racklens/pkg/resultcache"
)

// Backend is the subset of the backend client used for results.
type Backend interface {
	Overview(ctx context.Context, jobID string) ([]byte, error)
	Rack(ctx context.Context, jobID string, rackID int) ([]byte, error)
	Cell(ctx context.Context, jobID string, rackID, moduleID, cellID int) ([]byte, error)
	Log(ctx context.Context, jobID string) ([]byte, error)
}

// Client serves results through a resultcache.Cache.
type Client struct {
	backend Backend
	cache   *resultcache.Cache
	log     *zap.Logger

	// follow makes the most recently requested job the cache's current job.
	follow bool
}

// New returns a Client. If cache is nil a private cache is created whose
// current job follows the most recent request.
func New(b Backend, cache *resultcache.Cache, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{backend: b, cache: cache, log: log}
	if c.cache == nil {
		c.cache = resultcache.New()
		c.follow = true
	}
	return c
}

// Cache returns the cache backing this client.
func (c *Client) Cache() *resultcache.Cache {
	return c.cache
}

// GetOverview returns the overview result of jobID.
func (c *Client) GetOverview(ctx context.Context, jobID string) (*resultcache.Entry, error) {
	return c.get(ctx, resultcache.Key{JobID: jobID, Scope: resultcache.Overview()}, func(ctx context.Context) ([]byte, error) {
		return c.backend.Overview(ctx, jobID)
	})
}

// GetRack returns the detail result of one rack.
func (c *Client) GetRack(ctx context.Context, jobID string, rackID int) (*resultcache.Entry, error) {
	return c.get(ctx, resultcache.Key{JobID: jobID, Scope: resultcache.Rack(rackID)}, func(ctx context.Context) ([]byte, error) {
		return c.backend.Rack(ctx, jobID, rackID)
	})
}

// GetCell returns the detail result of one cell.
func (c *Client) GetCell(ctx context.Context, jobID string, rackID, moduleID, cellID int) (*resultcache.Entry, error) {
	key := resultcache.Key{JobID: jobID, Scope: resultcache.Cell(rackID, moduleID, cellID)}
	return c.get(ctx, key, func(ctx context.Context) ([]byte, error) {
		return c.backend.Cell(ctx, jobID, rackID, moduleID, cellID)
	})
}

// GetLog returns the log body of jobID.
func (c *Client) GetLog(ctx context.Context, jobID string) (*resultcache.Entry, error) {
	return c.get(ctx, resultcache.Key{JobID: jobID, Scope: resultcache.Log()}, func(ctx context.Context) ([]byte, error) {
		return c.backend.Log(ctx, jobID)
	})
}

func (c *Client) get(ctx context.Context, key resultcache.Key, fn resultcache.FetchFunc) (*resultcache.Entry, error) {
	if key.JobID == "" {
		return nil, fmt.Errorf("fetch %s: job id is required", key.Scope)
	}
	if c.follow {
		c.cache.SetCurrentJob(key.JobID)
	}
	e, err := c.cache.GetOrFetch(ctx, key, fn)
	if err != nil {
		c.log.Debug("Result fetch failed", zap.String("key", key.String()), zap.Error(err))
		return nil, err
	}
	return e, nil
}

// RackResult is the outcome of one rack in PrefetchRacks.
type RackResult struct {
	RackID int
	Entry  *resultcache.Entry
	Err    error
}

// PrefetchRacks fetches the detail of every rack in rackIDs concurrently,
// at most limit at a time (limit <= 0 means unbounded). A failed rack is
// reported in its RackResult and does not stop the others. Results are
// ordered by rack id.
func (c *Client) PrefetchRacks(ctx context.Context, jobID string, rackIDs []int, limit int) []RackResult {
	var (
		mu  sync.Mutex
		out = make([]RackResult, 0, len(rackIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	seen := make(map[int]bool, len(rackIDs))
	for _, id := range rackIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		g.Go(func() error {
			e, err := c.GetRack(gctx, jobID, id)
			mu.Lock()
			out = append(out, RackResult{RackID: id, Entry: e, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].RackID < out[j].RackID })
	return out
}
