package calib

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"polarpipe/internal/frame"
)

// MasterCache memoizes master-frame combination keyed by the input frame
// IDs, the statistic and the rejection threshold. Concurrent requests for
// the same key share a single in-flight combination.
type MasterCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	done   chan struct{}
	master *Master
	err    error
}

// NewMasterCache returns an empty cache.
func NewMasterCache() *MasterCache {
	return &MasterCache{entries: make(map[string]*cacheEntry)}
}

// Key derives the cache key for a combination request.
func Key(frames []*frame.Frame, kind MasterKind, stat Statistic, rejectSigma float64) string {
	ids := make([]string, len(frames))
	for i, f := range frames {
		ids[i] = f.Meta.ID
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s|%s|%.4g|%s", kind, stat, rejectSigma, strings.Join(ids, ","))
}

// Combine returns the cached master for the request, running the combination
// at most once per key. Errors are cached too: retrying a structurally
// broken input set would fail the same way.
func (c *MasterCache) Combine(frames []*frame.Frame, kind MasterKind, stat Statistic, rejectSigma float64, iterMax int) (*Master, error) {
	key := Key(frames, kind, stat, rejectSigma)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.done
		return e.master, e.err
	}
	e := &cacheEntry{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.master, e.err = Combine(frames, kind, stat, rejectSigma, iterMax)
	close(e.done)
	return e.master, e.err
}

// Len reports the number of cached combinations, for diagnostics.
func (c *MasterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
