package hierarchy

import (
	"sort"

	"teammanage/internal/domain"
)

// Node is one module with its children attached.
type Node struct {
	Module      domain.Module
	MemberCount int
	Children    []*Node
}

// BuildForest nests a flat module list into its parent/child forest.
// Modules whose parent is absent from the input are treated as roots, so a
// subtree query still produces a usable result. Children are ordered by id
// ascending, which matches creation order. memberCounts may be nil.
func BuildForest(mods []domain.Module, memberCounts map[int64]int) []*Node {
	nodes := make(map[int64]*Node, len(mods))
	for _, m := range mods {
		nodes[m.ID] = &Node{Module: m, MemberCount: memberCounts[m.ID]}
	}
	var roots []*Node
	for _, m := range mods {
		n := nodes[m.ID]
		if m.ParentModuleID != nil {
			if p, ok := nodes[*m.ParentModuleID]; ok {
				p.Children = append(p.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	sortNodes(roots)
	for _, n := range nodes {
		sortNodes(n.Children)
	}
	return roots
}

func sortNodes(ns []*Node) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].Module.ID < ns[j].Module.ID })
}

// Flatten walks a forest depth-first and returns the modules in visit order.
func Flatten(roots []*Node) []domain.Module {
	var out []domain.Module
	var walk func(*Node)
	walk = func(n *Node) {
		out = append(out, n.Module)
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return out
}

// WouldCycle reports whether attaching moduleID under the given ancestor
// chain would close a cycle. ancestors is the proposed parent's chain walked
// root-ward, starting at the parent itself.
func WouldCycle(moduleID int64, ancestors []int64) bool {
	for _, id := range ancestors {
		if id == moduleID {
			return true
		}
	}
	return false
}
