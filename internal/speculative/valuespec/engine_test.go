package valuespec

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newEngine() (*Engine, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return NewEngine(DefaultConfig(), c.now), c
}

func TestIdenticalValuesRecommended(t *testing.T) {
	e, _ := newEngine()
	for i := 0; i < 20; i++ {
		e.RecordValue("f/arg0", tiering.Int(42))
	}
	rec, ok := e.Recommendation("f/arg0")
	if !ok {
		t.Fatal("expected a recommendation")
	}
	if rec.Confidence < 0.75 {
		t.Fatalf("confidence = %.3f, want >= 0.75", rec.Confidence)
	}
	if !rec.Value.Equal(tiering.Int(42)) || rec.Frequency != 1 {
		t.Fatalf("unexpected recommendation %+v", rec)
	}
	var haveEq, haveType, haveRange bool
	for _, g := range rec.Guards {
		switch g := g.(type) {
		case ValueEquality:
			haveEq = g.Value.Equal(tiering.Int(42))
		case TypeStability:
			haveType = g.Kind == tiering.KindInteger
		case NumericRangeGuard:
			haveRange = g.Min <= 42 && g.Max >= 42
		}
	}
	if !haveEq || !haveType || !haveRange {
		t.Fatalf("guards = %#v", rec.Guards)
	}
}

func TestRecommendationThresholds(t *testing.T) {
	t.Run("too-few-observations", func(t *testing.T) {
		e, _ := newEngine()
		for i := 0; i < 9; i++ {
			e.RecordValue("l", tiering.Int(1))
		}
		if _, ok := e.Recommendation("l"); ok {
			t.Fatal("needs min observations")
		}
	})
	t.Run("low-frequency", func(t *testing.T) {
		e, _ := newEngine()
		for i := 0; i < 30; i++ {
			e.RecordValue("l", tiering.Int(int64(i%3)))
		}
		if _, ok := e.Recommendation("l"); ok {
			t.Fatal("a 1/3 value must not be speculated")
		}
	})
	t.Run("stale-and-failing", func(t *testing.T) {
		e, c := newEngine()
		for i := 0; i < 20; i++ {
			e.RecordValue("l", tiering.Int(1))
		}
		for i := 0; i < 100; i++ {
			e.RecordOutcome("l", tiering.Int(1), false)
		}
		c.t = c.t.Add(time.Hour)
		if rec, ok := e.Recommendation("l"); ok {
			t.Fatalf("failing value still recommended with confidence %.3f", rec.Confidence)
		}
	})
}

func TestTypeStabilityDecay(t *testing.T) {
	e, _ := newEngine()
	for i := 0; i < 10; i++ {
		e.RecordValue("l", tiering.Int(1))
	}
	e.RecordValue("l", tiering.String("x"))
	p, _ := e.Profile("l")
	if p.TypeStability > 0.951 || p.TypeStability < 0.949 {
		t.Fatalf("type stability after one mismatch = %.4f", p.TypeStability)
	}
	if p.Strings == nil || p.Strings.Samples[0] != "x" {
		t.Fatal("string pattern not tracked")
	}
}

func TestProfileNormalization(t *testing.T) {
	e, _ := newEngine()
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		e.RecordValue("l", tiering.Int(int64(r.Intn(30))))
		p, _ := e.Profile("l")
		if len(p.Entries) > DefaultConfig().MaxValuesPerLocation {
			t.Fatalf("entries = %d", len(p.Entries))
		}
		sum := 0.0
		for j, en := range p.Entries {
			sum += en.Frequency
			if j > 0 && p.Entries[j-1].Frequency < en.Frequency {
				t.Fatalf("frequencies not descending: %v", p.Entries)
			}
		}
		if sum > 1+1e-9 {
			t.Fatalf("frequencies sum to %.6f", sum)
		}
	}
}

func TestLateDominantValueTracked(t *testing.T) {
	e, _ := newEngine()
	limit := DefaultConfig().MaxValuesPerLocation
	for i := 0; i < limit; i++ {
		e.RecordValue("l", tiering.Int(int64(100+i)))
	}
	for i := 0; i < 200; i++ {
		e.RecordValue("l", tiering.Int(7))
	}
	p, _ := e.Profile("l")
	if len(p.Entries) != limit {
		t.Fatalf("entries = %d, want %d", len(p.Entries), limit)
	}
	top := p.Entries[0]
	if !top.Value.Equal(tiering.Int(7)) {
		t.Fatalf("top entry = %+v", top)
	}
	if top.Guaranteed() != 200 || top.Error != 1 {
		t.Fatalf("count %d error %d, want 200 guaranteed with error 1", top.Count, top.Error)
	}
	sum := 0.0
	for _, en := range p.Entries {
		sum += en.Frequency
	}
	if sum > 1+1e-9 {
		t.Fatalf("frequencies sum to %.6f", sum)
	}
	rec, ok := e.Recommendation("l")
	if !ok || !rec.Value.Equal(tiering.Int(7)) {
		t.Fatalf("recommendation = %+v, %v", rec, ok)
	}
}

func TestNumericRange(t *testing.T) {
	e, _ := newEngine()
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		e.RecordValue("l", tiering.Float(x))
	}
	p, _ := e.Profile("l")
	if math.Abs(p.Range.Mean-5) > 1e-9 || math.Abs(p.Range.StdDev()-2) > 1e-9 || p.Range.Min != 2 || p.Range.Max != 9 {
		t.Fatalf("range = %+v sd=%v", p.Range, p.Range.StdDev())
	}
}

func TestOutcomeAndStats(t *testing.T) {
	e, _ := newEngine()
	for i := 0; i < 12; i++ {
		e.RecordValue("f1/arg0", tiering.Bool(true))
	}
	e.RecordOutcome("f1/arg0", tiering.Bool(true), true)
	e.RecordOutcome("f1/arg0", tiering.Bool(true), false)
	p, _ := e.Profile("f1/arg0")
	if want := (1*0.9 + 0.1) * 0.95; p.Entries[0].SuccessRate != want {
		t.Fatalf("success rate = %v, want %v", p.Entries[0].SuccessRate, want)
	}
	s := e.Stats()
	if s.SpeculationAttempts != 2 || s.SuccessRate != 0.5 || s.Observations != 12 {
		t.Fatalf("stats = %+v", s)
	}
	if n := e.Penalize("f1/", 0.5); n != 1 {
		t.Fatalf("penalized %d locations", n)
	}
}

func TestReclaimAndEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLocations = 4
	c := &clock{t: time.Unix(0, 0)}
	e := NewEngine(cfg, c.now)
	for i := 0; i < 6; i++ {
		c.t = c.t.Add(time.Second)
		e.RecordValue(Location(fmt.Sprintf("l%d", i)), tiering.Int(int64(i)))
	}
	if s := e.Stats(); s.Locations != 4 {
		t.Fatalf("locations = %d, cap 4", s.Locations)
	}
	if _, ok := e.Profile("l0"); ok {
		t.Fatal("stalest location should be evicted")
	}
	before := e.MemoryBytes()
	freed := e.Reclaim(0.5)
	if freed < before/2 || e.MemoryBytes() != before-freed {
		t.Fatalf("freed %d of %d, now %d", freed, before, e.MemoryBytes())
	}
	e.Forget("l")
	if e.MemoryBytes() != 0 || e.Stats().Locations != 0 {
		t.Fatal("forget left state behind")
	}
}
