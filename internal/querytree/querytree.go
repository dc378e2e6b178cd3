// Package querytree is the mutable table-tree the semi-join flattener
// rewrites in place: a tagged-variant node structure with explicit parent
// pointers and two link chains, next_local and next_leaf, that must stay
// consistent through every rewrite (spec §4.6, §9 "in-place transformation
// of the query tree").
package querytree

import "fmt"

// Node is either a leaf table or a nested join containing a JoinList of
// child nodes (which may themselves be leaves or further nests).
type Node struct {
	// Table is the table name for a leaf node; empty for a nest.
	Table string
	// IsNest marks this node as a nested-join container.
	IsNest bool
	// JoinList holds this nest's immediate children, in FROM order.
	JoinList []*Node
	// Outer marks this node as the inner side of an outer join; its ON
	// expression, if any, lives on OnExpr.
	Outer  bool
	OnExpr string

	Parent *Node
	// NextLocal links siblings within the same JoinList, left to right.
	NextLocal *Node
	// NextLeaf links every leaf table in the whole tree, left to right,
	// independent of nesting.
	NextLeaf *Node

	// TableBitmap identifies this node's own bit (leaf) or the union of
	// its subtree's bits (nest), assigned by Renumber.
	TableBitmap uint64

	// SJ is populated by the semi-join flattener when this nest is a
	// semi-join nest (spec §4.6 item 4).
	SJ *SemiJoinInfo
}

// SemiJoinInfo is the bookkeeping the flattener attaches to a semi-join
// nest node (spec §4.6 item 4, §3 "Semi-join planner state").
type SemiJoinInfo struct {
	InnerTables  uint64 // sj_inner_tables
	CorrTables   uint64 // sj_corr_tables: correlated references in the IN predicate
	DependsOn    uint64 // sj_depends_on
	InExprCount  int    // sj_in_exprs
	InEqualities []InEquality
}

// InEquality is one injected `outer_expr[i] = inner_ref[i]` equality (spec
// §4.6 item 3).
type InEquality struct {
	OuterExpr    string
	InnerRef     string
	InEqualityNo int
}

// NewLeaf creates a leaf node for table.
func NewLeaf(table string) *Node {
	return &Node{Table: table}
}

// NewNest creates a nested-join container holding children, in order.
func NewNest(children ...*Node) *Node {
	n := &Node{IsNest: true}
	for _, c := range children {
		n.Append(c)
	}
	return n
}

// Append adds child to the end of n's JoinList, wiring Parent and
// NextLocal. n must be a nest.
func (n *Node) Append(child *Node) {
	child.Parent = n
	if len(n.JoinList) > 0 {
		n.JoinList[len(n.JoinList)-1].NextLocal = child
	}
	child.NextLocal = nil
	n.JoinList = append(n.JoinList, child)
}

// InsertAfter inserts sibling into n's parent's JoinList immediately after
// n, rewiring NextLocal (spec §4.6 item 1, "insert the SJ nest as a
// sibling").
func (n *Node) InsertAfter(sibling *Node) error {
	if n.Parent == nil {
		return fmt.Errorf("querytree: cannot insert sibling after a node with no parent")
	}
	p := n.Parent
	idx := -1
	for i, c := range p.JoinList {
		if c == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("querytree: node not found in its own parent's join list")
	}
	sibling.Parent = p
	p.JoinList = append(p.JoinList, nil)
	copy(p.JoinList[idx+2:], p.JoinList[idx+1:])
	p.JoinList[idx+1] = sibling

	sibling.NextLocal = n.NextLocal
	n.NextLocal = sibling
	return nil
}

// Leaves returns every leaf table node under n, in FROM (left-to-right,
// depth-first) order.
func (n *Node) Leaves() []*Node {
	if !n.IsNest {
		return []*Node{n}
	}
	var out []*Node
	for _, c := range n.JoinList {
		out = append(out, c.Leaves()...)
	}
	return out
}

// Renumber assigns a contiguous bit per leaf table, left to right starting
// at bit 0, and recomputes every nest's TableBitmap as the union of its
// subtree (spec §4.6 item 2, "renumber their per-query bitmaps
// contiguously").
func Renumber(root *Node) {
	leaves := root.Leaves()
	for i, leaf := range leaves {
		leaf.TableBitmap = 1 << uint(i)
	}
	relinkLeaves(leaves)
	recomputeBitmaps(root)
}

func relinkLeaves(leaves []*Node) {
	for i := 0; i+1 < len(leaves); i++ {
		leaves[i].NextLeaf = leaves[i+1]
	}
	if len(leaves) > 0 {
		leaves[len(leaves)-1].NextLeaf = nil
	}
}

func recomputeBitmaps(n *Node) uint64 {
	if !n.IsNest {
		return n.TableBitmap
	}
	var bm uint64
	for _, c := range n.JoinList {
		bm |= recomputeBitmaps(c)
	}
	n.TableBitmap = bm
	return bm
}

// FindSiblingByTable searches n's JoinList for a leaf or nest whose subtree
// contains table, returning nil if not found.
func (n *Node) FindSiblingByTable(table string) *Node {
	for _, c := range n.JoinList {
		if !c.IsNest && c.Table == table {
			return c
		}
		if c.IsNest {
			for _, leaf := range c.Leaves() {
				if leaf.Table == table {
					return c
				}
			}
		}
	}
	return nil
}
