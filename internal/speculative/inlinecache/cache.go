// Package inlinecache implements the polymorphic inline cache of the
// speculative tier: per call site, the observed (target, signature) pairs and
// the dispatch strategy they imply.
package inlinecache

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/orizon-lang/orizon-speculate/internal/speculative/feedback"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

const (
	siteOverheadBytes  = 96
	entryOverheadBytes = 64

	initialSuccessRate = 0.8
	initialFailureRate = 0.6
)

// Config bounds the cache.
type Config struct {
	MaxTargetsPerSite int `yaml:"max_targets_per_site"`
	MaxCallSites      int `yaml:"max_call_sites"`
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{MaxTargetsPerSite: 8, MaxCallSites: 1024}
}

// CacheEntry is one observed (target, signature) pair.
type CacheEntry struct {
	Target      tiering.FunctionID
	Signature   string
	HitCount    uint64
	SuccessRate float64
	LastHit     time.Time
}

// CallSiteCache is the cache state of one call site.
type CallSiteCache struct {
	Site         tiering.SiteID
	Entries      []CacheEntry // descending by HitCount
	Polymorphism int
	Class        Class
	Strategy     Strategy
	Hits         uint64
	Misses       uint64
	LastAccess   time.Time
}

func (s *CallSiteCache) bytes() int {
	n := siteOverheadBytes
	for _, e := range s.Entries {
		n += entryOverheadBytes + len(e.Signature)
	}
	return n
}

func (s *CallSiteCache) clone() CallSiteCache {
	c := *s
	c.Entries = append([]CacheEntry(nil), s.Entries...)
	return c
}

// Dispatch is the result of a lookup.
type Dispatch struct {
	Target      tiering.FunctionID
	Strategy    Strategy
	Class       Class
	SuccessRate float64
}

// RecordResult describes what RecordCall did.
type RecordResult struct {
	Hit      bool
	Inserted bool
	Evicted  bool
	Class    Class
}

// Stats summarizes the cache for observability.
type Stats struct {
	Sites               int
	Hits                uint64
	Misses              uint64
	HitRate             float64
	AveragePolymorphism float64
	Evictions           uint64
	MemoryBytes         int
	ByClass             map[Class]int
}

// Cache is the polymorphic inline cache. Call sites live in an LRU table
// capped at MaxCallSites.
type Cache struct {
	mu        sync.Mutex
	cfg       Config
	sites     lru.BasicLRU[tiering.SiteID, *CallSiteCache]
	hits      uint64
	misses    uint64
	evictions uint64
	bytes     int
	now       func() time.Time
}

// New creates a cache. A nil clock defaults to time.Now.
func New(cfg Config, now func() time.Time) *Cache {
	if cfg.MaxTargetsPerSite <= 0 {
		cfg.MaxTargetsPerSite = DefaultConfig().MaxTargetsPerSite
	}
	if cfg.MaxCallSites <= 0 {
		cfg.MaxCallSites = DefaultConfig().MaxCallSites
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		cfg:   cfg,
		sites: lru.NewBasicLRU[tiering.SiteID, *CallSiteCache](cfg.MaxCallSites),
		now:   now,
	}
}

// RecordCall records one call through site and its outcome.
func (c *Cache) RecordCall(site tiering.SiteID, target tiering.FunctionID, signature string, success bool) RecordResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var res RecordResult
	s, ok := c.sites.Get(site)
	if !ok {
		for c.sites.Len() >= c.cfg.MaxCallSites {
			_, old, ok := c.sites.RemoveOldest()
			if !ok {
				break
			}
			c.bytes -= old.bytes()
			c.evictions++
			res.Evicted = true
		}
		s = &CallSiteCache{Site: site}
		c.sites.Add(site, s)
		c.bytes += siteOverheadBytes
	}
	s.LastAccess = now

	idx := -1
	for i := range s.Entries {
		if s.Entries[i].Target == target && s.Entries[i].Signature == signature {
			idx = i
			break
		}
	}
	switch {
	case idx >= 0:
		e := &s.Entries[idx]
		e.HitCount++
		e.LastHit = now
		e.SuccessRate = feedback.Smooth(e.SuccessRate, success)
		s.Hits++
		c.hits++
		res.Hit = true
	case len(s.Entries) < c.cfg.MaxTargetsPerSite:
		rate := initialSuccessRate
		if !success {
			rate = initialFailureRate
		}
		s.Entries = append(s.Entries, CacheEntry{
			Target: target, Signature: signature, HitCount: 1, SuccessRate: rate, LastHit: now,
		})
		c.bytes += entryOverheadBytes + len(signature)
		s.Misses++
		c.misses++
		res.Inserted = true
	default:
		s.Misses++
		c.misses++
	}

	sort.SliceStable(s.Entries, func(i, j int) bool {
		return s.Entries[i].HitCount > s.Entries[j].HitCount
	})
	s.Polymorphism = len(s.Entries)
	s.Class = Classify(s.Polymorphism)
	s.Strategy = SelectStrategy(s.Polymorphism)
	res.Class = s.Class
	return res
}

// LookupDispatch returns the dispatch for signature at site. It changes no
// counters; only the site's last access time and LRU position move.
func (c *Cache) LookupDispatch(site tiering.SiteID, signature string) (Dispatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sites.Get(site)
	if !ok {
		return Dispatch{}, false
	}
	s.LastAccess = c.now()
	for _, e := range s.Entries {
		if e.Signature == signature {
			return Dispatch{Target: e.Target, Strategy: s.Strategy, Class: s.Class, SuccessRate: e.SuccessRate}, true
		}
	}
	return Dispatch{Strategy: s.Strategy, Class: s.Class}, false
}

// BuildDispatchPlan materializes the dispatch decision of site.
func (c *Cache) BuildDispatchPlan(site tiering.SiteID) (*DispatchPlan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sites.Peek(site)
	if !ok || len(s.Entries) == 0 {
		return nil, false
	}
	return newDispatchPlan(s), true
}

// Site returns a snapshot of one call site without touching its recency.
func (c *Cache) Site(site tiering.SiteID) (CallSiteCache, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sites.Peek(site)
	if !ok {
		return CallSiteCache{}, false
	}
	return s.clone(), true
}

// Len returns the number of cached call sites.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sites.Len()
}

// MemoryBytes is the estimated footprint of the cache.
func (c *Cache) MemoryBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Reclaim evicts least recently used sites until at least fraction of the
// cache's memory is freed. It returns the bytes freed.
func (c *Cache) Reclaim(fraction float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fraction <= 0 {
		return 0
	}
	target := int(float64(c.bytes) * fraction)
	freed := 0
	for freed < target {
		_, s, ok := c.sites.RemoveOldest()
		if !ok {
			break
		}
		n := s.bytes()
		freed += n
		c.bytes -= n
		c.evictions++
	}
	return freed
}

// Stats reports hit rate and polymorphism over the cached sites.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Sites:       c.sites.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		MemoryBytes: c.bytes,
		ByClass:     make(map[Class]int),
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	poly := 0
	for _, k := range c.sites.Keys() {
		s, _ := c.sites.Peek(k)
		poly += s.Polymorphism
		st.ByClass[s.Class]++
	}
	if st.Sites > 0 {
		st.AveragePolymorphism = float64(poly) / float64(st.Sites)
	}
	return st
}
