package semijoin

import "fmt"

// Strategy names one of the four semi-join execution strategies, or NONE
// when a prefix position carries no semi-join duty (spec §3 "Semi-join
// planner state").
type Strategy string

const (
	None            Strategy = "NONE"
	Materialize     Strategy = "MATERIALIZE"
	MaterializeScan Strategy = "MATERIALIZE_SCAN"
	FirstMatch      Strategy = "FIRST_MATCH"
	LooseScan       Strategy = "LOOSE_SCAN"
	DupsWeedout     Strategy = "DUPS_WEEDOUT"
)

// Position is the per-prefix-step planner state, carried forward from
// Position[i-1] to Position[i] as the join order is enumerated (spec §9
// "Planner state carried position-to-position").
type Position struct {
	// SJStrategy is the strategy chosen for the table at this position, if
	// any is finalized yet.
	SJStrategy Strategy
	// Cost is this prefix's running cost estimate under SJStrategy.
	Cost float64

	// FirstMatch tracking.
	FirstMatchTable     int    // first_firstmatch_table; -1 when not tracking
	FirstMatchNeed      uint64 // firstmatch_need_tables
	FirstMatchFrozenSet uint64 // the remaining-tables set frozen when tracking began

	// LooseScan tracking.
	LooseScanTable int    // -1 when not tracking
	LooseScanKey   string // the chosen covering index

	// Materialization tracking.
	MaterializeNest   uint64 // bitmap of the SJ nest being materialized; 0 when none
	MaterializeCost   float64
	MaterializeDeferred bool // scan variant defers cost until leaving the nest

	// DuplicateWeedout tracking: the set of tables still producing
	// duplicates that no strategy has covered yet.
	DupsProducing uint64
}

// String summarizes a position for CLI/debug output.
func (p Position) String() string {
	if p.SJStrategy == None {
		return "Position: no semi-join strategy"
	}
	return fmt.Sprintf("Position: %s, cost %.2f", p.SJStrategy, p.Cost)
}

// NewPosition returns the reset state for the join's constant boundary
// (spec §4.7 "reset at the join's constant boundary").
func NewPosition() Position {
	return Position{SJStrategy: None, FirstMatchTable: -1, LooseScanTable: -1}
}

// TableContext is everything the planner needs about the table being
// placed at this enumeration step.
type TableContext struct {
	TableBitmap uint64
	Nest        *SJNestRef

	// IsSJInner is true when this table came from a flattened semi-join
	// nest and OPTIMIZER_SWITCH_SEMIJOIN is on.
	IsSJInner bool
	// CoveringIndexRef, when non-empty, names a covering index available
	// on this table usable for LooseScan.
	CoveringIndexRef string
	// BoundSJEqualities / HandledSJEqualities are bitmasks over the
	// nest's in_equality_no values (spec §4.7 LooseScan eligibility).
	BoundSJEqualities   uint64
	HandledSJEqualities uint64
	LooseScanKeyparts   uint64 // keypart-mask this index's loose-scan-usable parts cover
	FoundParts          uint64 // keypart-mask already bound by a usable ref

	// PrefixCost, PrefixRows describe the access path chosen for this
	// table absent any semi-join strategy consideration.
	PrefixCost float64
	PrefixRows float64

	// Costing inputs for Materialize/DupsWeedout (spec §4.7).
	MaterializeCost float64
	LookupCost      float64
	ScanCost        float64
	InnerFanout     float64
	RemainingAccess float64
	WriteCost       float64
	PerTupleLookup  float64
}

// SJNestRef is the subset of a querytree SemiJoinInfo the planner needs,
// kept separate from querytree.Node so Position/TableContext stay
// dependency-free value types (spec §9 "represent Position[i] as a value
// type").
type SJNestRef struct {
	InnerTables uint64
	CorrTables  uint64
	DependsOn   uint64
	InExprCount int
}

// Advance computes Position[i] from Position[i-1] and the table placed at
// step i, tracking and, where eligible, finalizing each of the four
// semi-join strategies (spec §4.7).
func Advance(prev Position, prefixBefore uint64, t TableContext) Position {
	next := prev
	next.Cost = prev.Cost + t.PrefixCost

	trackFirstMatch(&next, prefixBefore, t)
	trackLooseScan(&next, prefixBefore, t)
	trackMaterialize(&next, prefixBefore, t)
	trackDupsWeedout(&next, prefixBefore, t)

	return next
}

func trackFirstMatch(pos *Position, prefixBefore uint64, t TableContext) {
	if !t.IsSJInner || t.Nest == nil {
		return
	}
	prefixAfter := prefixBefore | t.TableBitmap

	if pos.FirstMatchTable < 0 {
		inDupRange := pos.SJStrategy != None && pos.SJStrategy != FirstMatch
		outerCorrInPrefix := t.Nest.CorrTables&^prefixBefore == 0
		if !inDupRange && outerCorrInPrefix {
			pos.FirstMatchTable = bitCount(prefixBefore)
			pos.FirstMatchNeed = t.Nest.InnerTables &^ prefixBefore
			pos.FirstMatchFrozenSet = prefixAfter
		}
	} else {
		if t.Nest.CorrTables&^pos.FirstMatchFrozenSet != 0 {
			pos.FirstMatchTable = -1
			pos.FirstMatchNeed = 0
			return
		}
	}

	if pos.FirstMatchTable >= 0 {
		pos.FirstMatchNeed &^= t.TableBitmap
		if pos.FirstMatchNeed == 0 {
			pos.SJStrategy = FirstMatch
		}
	}
}

func trackLooseScan(pos *Position, prefixBefore uint64, t TableContext) {
	if t.CoveringIndexRef == "" || t.Nest == nil {
		return
	}
	firstKeypartUsable := t.FoundParts == 0
	m := bitCount(t.LooseScanKeyparts)
	prevBits := uint64(1)<<uint(t.Nest.InExprCount) - 1
	covered := (t.BoundSJEqualities | t.HandledSJEqualities) == prevBits
	maskBits := uint64(1)<<uint(m+1) - 1
	keypartEligible := maskBits&(t.FoundParts|t.LooseScanKeyparts) == (t.FoundParts | t.LooseScanKeyparts)

	if firstKeypartUsable && covered && keypartEligible {
		pos.LooseScanTable = bitCount(prefixBefore)
		pos.LooseScanKey = t.CoveringIndexRef
	}
	if pos.LooseScanTable >= 0 {
		prefixAfter := prefixBefore | t.TableBitmap
		if t.Nest.DependsOn&^prefixAfter == 0 {
			pos.SJStrategy = LooseScan
		}
	}
}

func trackMaterialize(pos *Position, prefixBefore uint64, t TableContext) {
	if t.Nest == nil {
		return
	}
	prefixAfter := prefixBefore | t.TableBitmap
	isLastInner := t.Nest.InnerTables&^prefixAfter == 0
	allCorrInPrefix := t.Nest.CorrTables&^prefixBefore == 0
	if !isLastInner || !allCorrInPrefix {
		return
	}

	baseline := pos.Cost
	bestSoFar := pos.Cost
	hadStrategy := pos.SJStrategy != None

	lookupCost := baseline + t.MaterializeCost + t.PrefixRows*t.LookupCost
	scanCost := baseline + t.MaterializeCost + t.PrefixRows*t.ScanCost + t.InnerFanout*t.RemainingAccess

	if !hadStrategy || lookupCost < bestSoFar {
		pos.SJStrategy = Materialize
		pos.Cost = lookupCost
		pos.MaterializeNest = t.Nest.InnerTables
		pos.MaterializeDeferred = false
		bestSoFar = lookupCost
	}
	if scanCost < bestSoFar {
		pos.SJStrategy = MaterializeScan
		pos.Cost = scanCost
		pos.MaterializeNest = t.Nest.InnerTables
		pos.MaterializeDeferred = true
	}
}

func trackDupsWeedout(pos *Position, prefixBefore uint64, t TableContext) {
	if t.Nest == nil {
		return
	}
	prefixAfter := prefixBefore | t.TableBitmap
	need := t.Nest.InnerTables | t.Nest.CorrTables | t.Nest.DependsOn
	pos.DupsProducing = need &^ prefixAfter

	if need&^prefixAfter != 0 {
		return // not all required tables are in the prefix yet
	}

	cost := t.PrefixCost + t.WriteCost + t.PrefixRows*t.PerTupleLookup
	uncoveredDupsRemain := pos.SJStrategy == None || pos.SJStrategy == DupsWeedout
	if cost < pos.Cost || uncoveredDupsRemain {
		pos.SJStrategy = DupsWeedout
		pos.Cost = cost
	}
}

// FinalizedRange is the forward-looking translation the executor reads:
// for a chosen strategy, the [Start, End) table positions its range spans
// (spec §4.7 "Finalization").
type FinalizedRange struct {
	Strategy Strategy
	Start    int
	End      int
}

// Finalize walks positions right to left, translating each backward-
// looking Position into a forward-looking FinalizedRange (spec §4.7
// "Finalization: after the full join order is chosen, walk it from right
// to left").
func Finalize(positions []Position) []FinalizedRange {
	var ranges []FinalizedRange
	for i := len(positions) - 1; i >= 0; i-- {
		p := positions[i]
		if p.SJStrategy == None {
			continue
		}
		start := i
		switch p.SJStrategy {
		case FirstMatch:
			start = p.FirstMatchTable
		case LooseScan:
			start = p.LooseScanTable
		}
		ranges = append(ranges, FinalizedRange{Strategy: p.SJStrategy, Start: start, End: i + 1})
	}
	return ranges
}
