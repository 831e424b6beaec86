package flipt

import (
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
)

// evalCache memoizes boolean and variant results for the current snapshot.
// A nil *evalCache is a disabled cache.
type evalCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newEvalCache(maxEntries int64, ttl time.Duration) (*evalCache, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &evalCache{cache: cache, ttl: ttl}, nil
}

func (c *evalCache) get(key uint64) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *evalCache) set(key uint64, value interface{}) {
	if c == nil {
		return
	}
	c.cache.SetWithTTL(key, value, 1, c.ttl)
}

// wait blocks until buffered sets are applied.
func (c *evalCache) wait() {
	if c == nil {
		return
	}
	c.cache.Wait()
}

func (c *evalCache) clear() {
	if c == nil {
		return
	}
	c.cache.Clear()
}

func (c *evalCache) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}

// CacheStats is a point-in-time view of the evaluation cache.
type CacheStats struct {
	Enabled     bool    `json:"enabled"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	KeysAdded   uint64  `json:"keys_added"`
	KeysEvicted uint64  `json:"keys_evicted"`
	Ratio       float64 `json:"hit_ratio"`
}

func (c *evalCache) stats() CacheStats {
	if c == nil || c.cache.Metrics == nil {
		return CacheStats{Enabled: c != nil}
	}
	m := c.cache.Metrics
	return CacheStats{
		Enabled:     true,
		Hits:        m.Hits(),
		Misses:      m.Misses(),
		KeysAdded:   m.KeysAdded(),
		KeysEvicted: m.KeysEvicted(),
		Ratio:       m.Ratio(),
	}
}

// fingerprint keys a result by evaluation kind, snapshot and request.
func fingerprint(kind, snapshotHash string, req domain.EvaluationRequest) uint64 {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}

	write(kind)
	write(snapshotHash)
	write(req.FlagKey)
	write(req.EntityID)

	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		write(k)
		write(req.Context[k])
	}
	return d.Sum64()
}
