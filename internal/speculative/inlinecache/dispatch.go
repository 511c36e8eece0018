package inlinecache

import (
	"sort"

	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// Class is the polymorphism bucket of a call site.
type Class int

const (
	Uninitialized Class = iota
	Monomorphic
	Polymorphic
	Megamorphic
)

func (c Class) String() string {
	switch c {
	case Monomorphic:
		return "monomorphic"
	case Polymorphic:
		return "polymorphic"
	case Megamorphic:
		return "megamorphic"
	}
	return "uninitialized"
}

// Classify buckets a polymorphism level: 1 mono, 2-4 poly, 5+ mega.
func Classify(polymorphism int) Class {
	switch {
	case polymorphism <= 0:
		return Uninitialized
	case polymorphism == 1:
		return Monomorphic
	case polymorphism <= 4:
		return Polymorphic
	}
	return Megamorphic
}

// Strategy is the dispatch shape a backend should emit for a call site.
type Strategy int

const (
	StrategyNone Strategy = iota
	DirectCall
	InlineChain
	JumpTable
	HashLookup
)

func (s Strategy) String() string {
	switch s {
	case DirectCall:
		return "direct_call"
	case InlineChain:
		return "inline_chain"
	case JumpTable:
		return "jump_table"
	case HashLookup:
		return "hash_lookup"
	}
	return "none"
}

// SelectStrategy is a pure function of the polymorphism level.
func SelectStrategy(polymorphism int) Strategy {
	switch {
	case polymorphism <= 0:
		return StrategyNone
	case polymorphism == 1:
		return DirectCall
	case polymorphism <= 4:
		return InlineChain
	case polymorphism <= 8:
		return JumpTable
	}
	return HashLookup
}

// DispatchPlan is the portable form of a site's dispatch decision. A code
// generator lowers it to native code; the speculative tier interprets it.
type DispatchPlan struct {
	Site     tiering.SiteID
	Strategy Strategy

	chain   []CacheEntry                  // direct call and inline chain, hottest first
	slots   map[string]int                // jump table: signature -> slot
	targets []tiering.FunctionID          // jump table slots
	hash    map[string]tiering.FunctionID // hash lookup
}

func newDispatchPlan(site *CallSiteCache) *DispatchPlan {
	p := &DispatchPlan{Site: site.Site, Strategy: SelectStrategy(len(site.Entries))}
	switch p.Strategy {
	case DirectCall, InlineChain:
		p.chain = append([]CacheEntry(nil), site.Entries...)
	case JumpTable:
		sigs := make([]string, 0, len(site.Entries))
		bySig := make(map[string]tiering.FunctionID, len(site.Entries))
		for _, e := range site.Entries {
			if _, dup := bySig[e.Signature]; dup {
				continue
			}
			bySig[e.Signature] = e.Target
			sigs = append(sigs, e.Signature)
		}
		sort.Strings(sigs)
		p.slots = make(map[string]int, len(sigs))
		for i, s := range sigs {
			p.slots[s] = i
			p.targets = append(p.targets, bySig[s])
		}
	case HashLookup:
		p.hash = make(map[string]tiering.FunctionID, len(site.Entries))
		for _, e := range site.Entries {
			if _, dup := p.hash[e.Signature]; !dup {
				p.hash[e.Signature] = e.Target
			}
		}
	}
	return p
}

// Resolve returns the target for a type signature, or false on a miss.
func (p *DispatchPlan) Resolve(signature string) (tiering.FunctionID, bool) {
	switch p.Strategy {
	case DirectCall, InlineChain:
		for _, e := range p.chain {
			if e.Signature == signature {
				return e.Target, true
			}
		}
	case JumpTable:
		if slot, ok := p.slots[signature]; ok {
			return p.targets[slot], true
		}
	case HashLookup:
		t, ok := p.hash[signature]
		return t, ok
	}
	return 0, false
}

// Len returns the number of dispatchable signatures.
func (p *DispatchPlan) Len() int {
	switch p.Strategy {
	case DirectCall, InlineChain:
		return len(p.chain)
	case JumpTable:
		return len(p.targets)
	case HashLookup:
		return len(p.hash)
	}
	return 0
}
