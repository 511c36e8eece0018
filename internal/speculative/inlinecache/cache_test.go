package inlinecache

import (
	"fmt"
	"math"
	"testing"

	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

func TestStrategySelection(t *testing.T) {
	tests := []struct {
		poly     int
		strategy Strategy
		class    Class
	}{
		{0, StrategyNone, Uninitialized},
		{1, DirectCall, Monomorphic},
		{2, InlineChain, Polymorphic},
		{4, InlineChain, Polymorphic},
		{5, JumpTable, Megamorphic},
		{8, JumpTable, Megamorphic},
		{9, HashLookup, Megamorphic},
		{40, HashLookup, Megamorphic},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.poly), func(t *testing.T) {
			if got := SelectStrategy(tt.poly); got != tt.strategy {
				t.Fatalf("SelectStrategy(%d) = %s, want %s", tt.poly, got, tt.strategy)
			}
			if got := Classify(tt.poly); got != tt.class {
				t.Fatalf("Classify(%d) = %s, want %s", tt.poly, got, tt.class)
			}
		})
	}
}

func TestSixSignaturesMegamorphic(t *testing.T) {
	c := New(DefaultConfig(), nil)
	for i := 0; i < 6; i++ {
		res := c.RecordCall(1, tiering.FunctionID(100+i), fmt.Sprintf("(T%d)", i), true)
		wantClass := Classify(i + 1)
		if res.Class != wantClass {
			t.Fatalf("after %d targets class = %s, want %s", i+1, res.Class, wantClass)
		}
	}
	site, ok := c.Site(1)
	if !ok {
		t.Fatal("site missing")
	}
	if site.Polymorphism != 6 || site.Class != Megamorphic || site.Strategy != JumpTable {
		t.Fatalf("unexpected site state %+v", site)
	}
	if site.Polymorphism > DefaultConfig().MaxTargetsPerSite {
		t.Fatal("polymorphism above cap")
	}
}

func TestPerSiteCap(t *testing.T) {
	cfg := Config{MaxTargetsPerSite: 3, MaxCallSites: 4}
	c := New(cfg, nil)
	for i := 0; i < 10; i++ {
		c.RecordCall(1, tiering.FunctionID(i), "(Integer)", true)
	}
	site, _ := c.Site(1)
	if len(site.Entries) != 3 {
		t.Fatalf("entries = %d, want cap 3", len(site.Entries))
	}
	if site.Misses != 10 || site.Hits != 0 {
		t.Fatalf("hits/misses = %d/%d", site.Hits, site.Misses)
	}
}

func TestSiteTableLRU(t *testing.T) {
	c := New(Config{MaxTargetsPerSite: 4, MaxCallSites: 3}, nil)
	for site := tiering.SiteID(1); site <= 3; site++ {
		c.RecordCall(site, 1, "()", true)
	}
	// touch site 1 so site 2 becomes the least recently used
	if _, ok := c.LookupDispatch(1, "()"); !ok {
		t.Fatal("lookup of site 1 missed")
	}
	res := c.RecordCall(4, 1, "()", true)
	if !res.Evicted {
		t.Fatal("expected an eviction")
	}
	if c.Len() != 3 {
		t.Fatalf("sites = %d, cap 3", c.Len())
	}
	if _, ok := c.Site(2); ok {
		t.Fatal("site 2 should have been evicted")
	}
	if _, ok := c.Site(1); !ok {
		t.Fatal("recently used site 1 was evicted")
	}
	for i := 0; i < 50; i++ {
		c.RecordCall(tiering.SiteID(10+i), 1, "()", i%2 == 0)
		if c.Len() > 3 {
			t.Fatalf("table exceeded cap: %d", c.Len())
		}
	}
}

func TestSuccessRateSmoothingAndOrdering(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.RecordCall(1, 10, "(A)", false)
	site, _ := c.Site(1)
	if site.Entries[0].SuccessRate != initialFailureRate {
		t.Fatalf("initial failure rate = %v", site.Entries[0].SuccessRate)
	}
	c.RecordCall(1, 10, "(A)", true)
	site, _ = c.Site(1)
	if want := initialFailureRate*0.9 + 0.1; math.Abs(site.Entries[0].SuccessRate-want) > 1e-12 {
		t.Fatalf("smoothed rate = %v, want %v", site.Entries[0].SuccessRate, want)
	}
	c.RecordCall(1, 20, "(B)", true)
	for i := 0; i < 5; i++ {
		c.RecordCall(1, 20, "(B)", true)
	}
	site, _ = c.Site(1)
	if site.Entries[0].Target != 20 {
		t.Fatalf("entries not sorted by hit count: %+v", site.Entries)
	}
}

func TestLookupIsPure(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.RecordCall(1, 10, "(A)", true)
	before := c.Stats()
	d, ok := c.LookupDispatch(1, "(A)")
	if !ok || d.Target != 10 || d.Strategy != DirectCall {
		t.Fatalf("lookup = %+v %v", d, ok)
	}
	if _, ok := c.LookupDispatch(1, "(B)"); ok {
		t.Fatal("unknown signature should miss")
	}
	after := c.Stats()
	if before.Hits != after.Hits || before.Misses != after.Misses {
		t.Fatal("lookup changed counters")
	}
}

func TestDispatchPlans(t *testing.T) {
	for _, n := range []int{1, 3, 6, 12} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			c := New(Config{MaxTargetsPerSite: 16, MaxCallSites: 8}, nil)
			for i := 0; i < n; i++ {
				c.RecordCall(1, tiering.FunctionID(i+1), fmt.Sprintf("(S%d)", i), true)
			}
			p, ok := c.BuildDispatchPlan(1)
			if !ok {
				t.Fatal("no plan")
			}
			if p.Strategy != SelectStrategy(n) || p.Len() != n {
				t.Fatalf("plan strategy=%s len=%d", p.Strategy, p.Len())
			}
			for i := 0; i < n; i++ {
				target, ok := p.Resolve(fmt.Sprintf("(S%d)", i))
				if !ok || target != tiering.FunctionID(i+1) {
					t.Fatalf("Resolve(S%d) = %d %v", i, target, ok)
				}
			}
			if _, ok := p.Resolve("(missing)"); ok {
				t.Fatal("missing signature resolved")
			}
		})
	}
}

func TestReclaimAndStats(t *testing.T) {
	c := New(DefaultConfig(), nil)
	for i := 0; i < 10; i++ {
		c.RecordCall(tiering.SiteID(i), 1, "(Integer)", true)
		c.RecordCall(tiering.SiteID(i), 2, "(Float)", true)
	}
	st := c.Stats()
	if st.AveragePolymorphism != 2 || st.ByClass[Polymorphic] != 10 {
		t.Fatalf("stats = %+v", st)
	}
	before := c.MemoryBytes()
	freed := c.Reclaim(0.5)
	if freed < before/2 {
		t.Fatalf("freed %d of %d", freed, before)
	}
	if c.MemoryBytes() != before-freed {
		t.Fatal("byte accounting drifted")
	}
	if c.Reclaim(0) != 0 {
		t.Fatal("zero fraction must free nothing")
	}
}
