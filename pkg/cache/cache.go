// Package cache defines the data-bin cache contract (the external
// collaborator named in spec.md §1/§5) and provides a concurrency-safe
// in-memory default implementation.
//
// Grounded on the teacher's pkg/od Streamer/Entry contract
// (pkg/od/interface.go, pkg/od/streamer.go): a narrow read/write interface
// over an addressable, append-only byte store with a completeness flag.
package cache

import (
	"sync"

	"github.com/samsamfire/jpipclient/pkg/woi"
)

// DataBinCache is the narrow interface the engine needs from the data-bin
// cache collaborator. A data-bin's byte sequence only ever grows by append;
// writes at a range-offset that has already been covered are a no-op for
// those bytes.
type DataBinCache interface {
	// AddToDataBin appends payload at rangeOffset (monotonic append only —
	// rangeOffset must equal the bin's current length for non-overlapping
	// streaming; overlapping/duplicate bytes are tolerated and ignored).
	// isFinal marks the bin complete once appended.
	AddToDataBin(id woi.BinID, payload []byte, rangeOffset int, isFinal bool) error

	// MarkDataBin sets or clears the "unsent model update" mark bit used by
	// cache-model signalling (spec.md §4.G).
	MarkDataBin(id woi.BinID, marked bool)

	// Get returns the current bytes, completeness, and mark bit for a bin.
	Get(id woi.BinID) (data []byte, complete bool, marked bool, ok bool)

	// Delete removes a bin entirely (used for obliterating/negative
	// acknowledgement statements).
	Delete(id woi.BinID)

	// Bins returns every known bin id, for model-manager scanning and for
	// cache-file serialization.
	Bins() []woi.BinID
}

type binEntry struct {
	data     []byte
	complete bool
	marked   bool
}

// MemCache is a simple concurrency-safe in-memory DataBinCache.
type MemCache struct {
	mu   sync.Mutex
	bins map[woi.BinID]*binEntry
}

func NewMemCache() *MemCache {
	return &MemCache{bins: make(map[woi.BinID]*binEntry)}
}

func (c *MemCache) AddToDataBin(id woi.BinID, payload []byte, rangeOffset int, isFinal bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.bins[id]
	if !ok {
		e = &binEntry{}
		c.bins[id] = e
	}
	if rangeOffset > len(e.data) {
		// A gap: pad with zeros so later reads at the right offset still
		// line up; the chunk-gap machinery is responsible for ensuring
		// this does not happen for trusted requests.
		e.data = append(e.data, make([]byte, rangeOffset-len(e.data))...)
	}
	end := rangeOffset + len(payload)
	if end > len(e.data) {
		if rangeOffset < len(e.data) {
			e.data = append(e.data, payload[len(e.data)-rangeOffset:]...)
		} else {
			e.data = append(e.data, payload...)
		}
	}
	if isFinal {
		e.complete = true
	}
	e.marked = true
	return nil
}

func (c *MemCache) MarkDataBin(id woi.BinID, marked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.bins[id]
	if !ok {
		e = &binEntry{}
		c.bins[id] = e
	}
	e.marked = marked
}

func (c *MemCache) Get(id woi.BinID) (data []byte, complete bool, marked bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.bins[id]
	if !found {
		return nil, false, false, false
	}
	cp := make([]byte, len(e.data))
	copy(cp, e.data)
	return cp, e.complete, e.marked, true
}

func (c *MemCache) Delete(id woi.BinID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bins, id)
}

func (c *MemCache) Bins() []woi.BinID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]woi.BinID, 0, len(c.bins))
	for id := range c.bins {
		out = append(out, id)
	}
	return out
}
