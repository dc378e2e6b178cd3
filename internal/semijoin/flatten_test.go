package semijoin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockjoin/internal/querytree"
)

func eligibleSubquery(name string, inner *querytree.Node) *Subquery {
	return &Subquery{
		Name:                      name,
		OuterExprs:                []string{"t1.a"},
		InnerRefs:                 []string{"t2.b"},
		InnerTables:               inner,
		OptimizerSwitchSemiJoinOn: true,
		AtAndTopLevel:             true,
		ParentHasFromList:         true,
		ChildHasFromList:          true,
	}
}

func TestEligibleRejectsAggregates(t *testing.T) {
	sub := eligibleSubquery("s1", querytree.NewNest(querytree.NewLeaf("t2")))
	sub.HasAggregate = true
	assert.False(t, sub.Eligible())
}

func TestFlattenRejectsMismatchedOperands(t *testing.T) {
	sub := eligibleSubquery("s1", querytree.NewNest(querytree.NewLeaf("t2")))
	sub.InnerRefs = append(sub.InnerRefs, "t2.c")

	root := querytree.NewNest(querytree.NewLeaf("t1"))
	querytree.Renumber(root)
	sub.ParentAttachPoint = root.JoinList[0]

	f := NewFlattener(64)
	_, err := f.Flatten(root, 1, []*Subquery{sub})
	require.Error(t, err)
}

func TestFlattenInsertsNestAsSiblingOfInnerJoinTable(t *testing.T) {
	t1 := querytree.NewLeaf("t1")
	root := querytree.NewNest(t1)
	querytree.Renumber(root)

	sub := eligibleSubquery("s1", querytree.NewNest(querytree.NewLeaf("t2")))
	sub.ParentAttachPoint = t1

	f := NewFlattener(64)
	converted, err := f.Flatten(root, 1, []*Subquery{sub})
	require.NoError(t, err)
	require.Len(t, converted, 1)

	require.Len(t, root.JoinList, 2)
	nest := root.JoinList[1]
	require.True(t, nest.IsNest)
	require.NotNil(t, nest.SJ)
	assert.Equal(t, 1, nest.SJ.InExprCount)
	assert.Equal(t, "t1.a", nest.SJ.InEqualities[0].OuterExpr)
	assert.Equal(t, "t2.b", nest.SJ.InEqualities[0].InnerRef)

	names := []string{}
	for _, l := range root.Leaves() {
		names = append(names, l.Table)
	}
	assert.Equal(t, []string{"t1", "t2"}, names)
}

func TestFlattenWrapsOuterJoinedTable(t *testing.T) {
	t1 := querytree.NewLeaf("t1")
	t2 := querytree.NewLeaf("t2")
	t2.Outer = true
	t2.OnExpr = "t1.x = t2.y"
	root := querytree.NewNest(t1, t2)
	querytree.Renumber(root)

	sub := eligibleSubquery("s1", querytree.NewNest(querytree.NewLeaf("t3")))
	sub.ParentAttachPoint = t2

	f := NewFlattener(64)
	_, err := f.Flatten(root, 2, []*Subquery{sub})
	require.NoError(t, err)

	require.Len(t, root.JoinList, 2) // t1, wrapper
	wrapper := root.JoinList[1]
	require.True(t, wrapper.IsNest)
	assert.True(t, wrapper.Outer)
	assert.Equal(t, "t1.x = t2.y", wrapper.OnExpr)
	require.Len(t, wrapper.JoinList, 2)
	assert.False(t, wrapper.JoinList[0].Outer, "the original outer flag moves to the wrapper")
}

func TestFlattenStopsAtMaxTables(t *testing.T) {
	t1 := querytree.NewLeaf("t1")
	root := querytree.NewNest(t1)
	querytree.Renumber(root)

	sub := eligibleSubquery("s1", querytree.NewNest(querytree.NewLeaf("t2"), querytree.NewLeaf("t3")))
	sub.ParentAttachPoint = t1

	f := NewFlattener(2) // outerTableCount(1) + innerCount(2) >= 2 -> stop
	converted, err := f.Flatten(root, 1, []*Subquery{sub})
	require.NoError(t, err)
	assert.Empty(t, converted)
}

func TestPullOutDependentTables(t *testing.T) {
	t2 := querytree.NewLeaf("t2")
	t3 := querytree.NewLeaf("t3")
	nest := querytree.NewNest(t2, t3)
	querytree.Renumber(nest)
	nest.SJ = &querytree.SemiJoinInfo{InnerTables: nest.TableBitmap}

	PullOutDependentTables(nest, func(leaf *querytree.Node, innerTables uint64) bool {
		return leaf.Table == "t3"
	})

	assert.Equal(t, t2.TableBitmap, nest.SJ.InnerTables)
}

func TestPullOutDependentTablesMarksCorrelatedWhenStillReferenced(t *testing.T) {
	t2 := querytree.NewLeaf("t2")
	t3 := querytree.NewLeaf("t3")
	nest := querytree.NewNest(t2, t3)
	querytree.Renumber(nest)
	nest.SJ = &querytree.SemiJoinInfo{
		InnerTables: nest.TableBitmap,
		InEqualities: []querytree.InEquality{
			{OuterExpr: "t1.a", InnerRef: "t3.b"},
		},
	}

	PullOutDependentTables(nest, func(leaf *querytree.Node, innerTables uint64) bool {
		return leaf.Table == "t3"
	})

	assert.Equal(t, t2.TableBitmap, nest.SJ.InnerTables)
	assert.Equal(t, t3.TableBitmap, nest.SJ.CorrTables,
		"t3 is still referenced by an IN-equality after pull-out, so it must become a correlated table")
	assert.Equal(t, t2.TableBitmap|t3.TableBitmap, nest.SJ.DependsOn)
}
