package movedata

import (
	"github.com/golang/glog"
)

// Plan maps M producer ranks onto N' receiver ranks for all-to-N
// redistribution, where N' = min(requested, M).
//
// Assignment model:
//
//	source rank r  ──▶  target rank r mod N'
//
//	M=5, N'=2:   0 ─┐          1 ─┐
//	             2 ─┼─▶ 0      3 ─┴─▶ 1
//	             4 ─┘
//
// Every target t < N' is its own first source, so a target never sends its
// own piece anywhere. Receivers collect from their sources in increasing rank
// order, which makes the redistributed pieces deterministic for fixed inputs.
//
// Thread Safety:
// A Plan is immutable once created and may be shared freely.
type Plan struct {
	// Sources is the number of producer ranks (M).
	Sources int

	// Requested is the receiver count asked for before clamping.
	Requested int

	// Targets is the receiver count actually used (N').
	Targets int
}

// NewPlan builds the redistribution plan for sources producers and requested
// receivers.
//
// Clamping:
//   - requested > sources: Targets = sources and a warning is logged
//   - requested < 1: Targets = 1 and a warning is logged
//   - sources < 1 is treated as a single producer
//
// Clamping is never fatal. The same inputs always give the same plan.
//
// Example:
//
//	p := NewPlan(4, 8)
//	p.Targets      // 4
//	p.TargetFor(3) // 3
func NewPlan(sources, requested int) Plan {
	if sources < 1 {
		sources = 1
	}
	p := Plan{Sources: sources, Requested: requested, Targets: requested}
	switch {
	case requested < 1:
		p.Targets = 1
		glog.Warningf("movedata: %d render targets requested, using 1", requested)
	case requested > sources:
		p.Targets = sources
		glog.Warningf("movedata: %d render targets requested but only %d producer ranks, clamping to %d",
			requested, sources, sources)
	}
	return p
}

// Clamped reports whether the plan uses fewer targets than requested.
func (p Plan) Clamped() bool {
	return p.Targets != p.Requested
}

// TargetFor returns the receiver of source rank r.
func (p Plan) TargetFor(r int) int {
	return r % p.Targets
}

// IsTarget reports whether rank r receives redistributed data.
func (p Plan) IsTarget(r int) bool {
	return r >= 0 && r < p.Targets
}

// SourcesFor returns, in increasing order, the source ranks whose pieces end
// up on target t. Ranks that are not targets receive nothing.
func (p Plan) SourcesFor(t int) []int {
	if !p.IsTarget(t) {
		return nil
	}
	var out []int
	for r := t; r < p.Sources; r += p.Targets {
		out = append(out, r)
	}
	return out
}
