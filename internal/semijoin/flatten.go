// Package semijoin implements C6 SemiJoinFlattener, C7 SemiJoinPlanner, and
// C8 SemiJoinExecutor: rewriting eligible `IN (subquery)` predicates into
// semi-join nests, costing the four semi-join execution strategies during
// join-order enumeration, and the execution-time support (materialization
// and duplicate-weedout temp tables, FirstMatch/LooseScan control hooks)
// those strategies need (spec §4.6, §4.7, §4.8).
package semijoin

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"blockjoin/internal/querytree"
)

// Subquery describes one `IN (SELECT ...)` candidate for flattening.
type Subquery struct {
	// Name identifies the subquery for error messages and EXPLAIN output.
	Name string

	// OuterExprs and InnerRefs are the IN predicate's operands, paired by
	// position (operand-count mismatch is an error).
	OuterExprs []string
	InnerRefs  []string

	// InnerTables is the child select's FROM-tree root.
	InnerTables *querytree.Node
	// InnerWhere is the child select's WHERE condition, conjoined into the
	// semi-join ON expression (spec §4.6 item 3).
	InnerWhere string

	// ParentAttachPoint is the node in the outer FROM tree whose AND-level
	// the original IN predicate sat at (an ON-bearing table, a nested-join
	// parent, or an outer-joined table).
	ParentAttachPoint *querytree.Node

	// Correlated is true when InnerWhere or the IN operands reference a
	// table outside InnerTables.
	Correlated bool

	// Eligibility gate inputs (spec §4.6 "Eligibility").
	OptimizerSwitchSemiJoinOn bool
	IsSetOperation            bool
	HasGroupBy                bool
	HasOrderBy                bool
	HasHaving                 bool
	HasAggregate              bool
	AtAndTopLevel             bool
	ParentHasFromList         bool
	ChildHasFromList          bool
	ExecutionMethodCommitted  bool
	OuterIsStraightJoin       bool
}

// Eligible reports whether sub qualifies for semi-join flattening (spec
// §4.6 "Eligibility").
func (sub *Subquery) Eligible() bool {
	return sub.OptimizerSwitchSemiJoinOn &&
		!sub.IsSetOperation &&
		!sub.HasGroupBy && !sub.HasOrderBy && !sub.HasHaving && !sub.HasAggregate &&
		sub.AtAndTopLevel &&
		sub.ParentHasFromList && sub.ChildHasFromList &&
		!sub.ExecutionMethodCommitted &&
		!sub.OuterIsStraightJoin
}

// Flattener rewrites eligible subqueries into semi-join nests in the
// outer query's table tree (C6 SemiJoinFlattener).
type Flattener struct {
	// MaxTables bounds total table count; conversion stops once it would
	// be reached or exceeded (spec §4.6 "Sorting before conversion").
	MaxTables int
}

// NewFlattener builds a Flattener with the given table-count ceiling.
func NewFlattener(maxTables int) *Flattener {
	return &Flattener{MaxTables: maxTables}
}

// Flatten processes candidates bottom-up (spec says "processed bottom-up
// in the tree"; this package accepts pre-collected subqueries and instead
// orders them by the sort key below, which approximates bottom-up
// processing without needing tree-depth bookkeeping here), converting as
// many as the MaxTables ceiling allows.
func (f *Flattener) Flatten(root *querytree.Node, outerTableCount int, candidates []*Subquery) ([]*Subquery, error) {
	sorted := append([]*Subquery(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sortKey(sorted[i]) > sortKey(sorted[j])
	})

	var converted []*Subquery
	tables := outerTableCount
	for _, sub := range sorted {
		if !sub.Eligible() {
			continue
		}
		innerCount := len(sub.InnerTables.Leaves())
		if tables+innerCount >= f.MaxTables {
			break
		}
		if err := f.flattenOne(root, sub); err != nil {
			return converted, err
		}
		tables += innerCount
		converted = append(converted, sub)
	}
	return converted, nil
}

// sortKey orders correlated and wider subqueries first (spec §4.6
// "(is_correlated ? MAX_TABLES : 0) + child.outer_tables").
func sortKey(sub *Subquery) int {
	base := 0
	if sub.Correlated {
		base = 1 << 20 // stands in for MAX_TABLES; always dominates width
	}
	return base + len(sub.InnerTables.Leaves())
}

func (f *Flattener) flattenOne(root *querytree.Node, sub *Subquery) error {
	if len(sub.OuterExprs) != len(sub.InnerRefs) {
		return fmt.Errorf("semijoin: subquery %q has %d outer operands but %d inner refs", sub.Name, len(sub.OuterExprs), len(sub.InnerRefs))
	}

	attach := sub.ParentAttachPoint
	if attach == nil {
		attach = root
	}

	nest := querytree.NewNest()
	for _, leaf := range sub.InnerTables.Leaves() {
		nest.Append(leaf)
	}

	if err := insertNest(attach, nest); err != nil {
		return err
	}

	querytree.Renumber(root)

	var eqs []querytree.InEquality
	for i := range sub.OuterExprs {
		eqs = append(eqs, querytree.InEquality{
			OuterExpr:    sub.OuterExprs[i],
			InnerRef:     sub.InnerRefs[i],
			InEqualityNo: i,
		})
	}

	var corrTables uint64
	if sub.Correlated {
		corrTables = attach.TableBitmap &^ nest.TableBitmap
	}

	nest.SJ = &querytree.SemiJoinInfo{
		InnerTables:  nest.TableBitmap,
		CorrTables:   corrTables,
		DependsOn:    nest.TableBitmap | corrTables,
		InExprCount:  len(sub.OuterExprs),
		InEqualities: eqs,
	}
	return nil
}

// insertNest places nest per spec §4.6 item 1:
//   - nested-join parent: insert as a sibling inside that parent.
//   - inner join / outer join ON-bearing table: insert as a sibling of the
//     ON-bearing table, or wrap an outer-joined table together with nest in
//     a new wrapper nest carrying the original ON clause and outer flag.
func insertNest(attach *querytree.Node, nest *querytree.Node) error {
	if attach.IsNest {
		attach.Append(nest)
		return nil
	}
	if attach.Outer {
		wrapper := querytree.NewNest()
		wrapper.Outer = true
		wrapper.OnExpr = attach.OnExpr
		if attach.Parent != nil {
			if err := attach.InsertAfter(wrapper); err != nil {
				return err
			}
			removeFromParent(attach.Parent, attach)
		}
		attach.Outer = false
		attach.OnExpr = ""
		wrapper.Append(attach)
		wrapper.Append(nest)
		return nil
	}
	return attach.InsertAfter(nest)
}

func removeFromParent(parent *querytree.Node, child *querytree.Node) {
	out := parent.JoinList[:0]
	for _, c := range parent.JoinList {
		if c != child {
			out = append(out, c)
		}
	}
	for i, c := range out {
		c.NextLocal = nil
		if i+1 < len(out) {
			c.NextLocal = out[i+1]
		}
	}
	parent.JoinList = out
}

// PullOutDependentTables repeatedly hoists any SJ-inner table whose row is
// functionally dependent (a unique-index ref with all bound key parts
// pointing outside sj_inner_tables) into the enclosing nest, updating
// sj_inner_tables and sj_depends_on (spec §4.6 "Table pull-out").
// isFunctionallyDependent reports, for a leaf, whether such a ref exists
// given the current (possibly already-shrunk) inner-tables bitmap. A pulled
// table still referenced by one of the nest's IN-equalities moves from
// sj_inner_tables to sj_corr_tables rather than dropping out of the nest's
// dependencies entirely, marking the nest correlated on that table.
func PullOutDependentTables(nest *querytree.Node, isFunctionallyDependent func(leaf *querytree.Node, innerTables uint64) bool) {
	if nest.SJ == nil {
		return
	}
	for {
		var pulled *querytree.Node
		for _, leaf := range nest.Leaves() {
			if leaf.TableBitmap&nest.SJ.InnerTables == 0 {
				continue
			}
			if isFunctionallyDependent(leaf, nest.SJ.InnerTables) {
				pulled = leaf
				break
			}
		}
		if pulled == nil {
			return
		}
		nest.SJ.InnerTables &^= pulled.TableBitmap
		if referencedByInnerPredicate(nest.SJ, pulled) {
			nest.SJ.CorrTables |= pulled.TableBitmap
		}
		nest.SJ.DependsOn = nest.SJ.InnerTables | nest.SJ.CorrTables
	}
}

// referencedByInnerPredicate reports whether one of sj's IN-equalities still
// refers to pulled's table on the inner side, which is what makes the
// pulled-out table a correlated reference rather than a dropped dependency.
func referencedByInnerPredicate(sj *querytree.SemiJoinInfo, pulled *querytree.Node) bool {
	prefix := pulled.Table + "."
	for _, eq := range sj.InEqualities {
		if strings.HasPrefix(eq.InnerRef, prefix) {
			return true
		}
	}
	return false
}

// bitCount is a small helper kept for callers that want a human count of a
// table bitmap without importing math/bits themselves.
func bitCount(bm uint64) int { return bits.OnesCount64(bm) }
