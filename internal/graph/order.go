package graph

import "sort"

// SortCanonical puts the graph into its canonical ordering: nodes ascending
// by id, edges ascending by (from, to, id). Both sorts are stable so ties
// keep insertion order.
func (g *Graph) SortCanonical() {
	sort.SliceStable(g.Nodes, func(i, j int) bool {
		return g.Nodes[i].ID < g.Nodes[j].ID
	})
	sort.SliceStable(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.ID < b.ID
	})
}

// IsCanonical reports whether the graph already satisfies canonical order.
func (g *Graph) IsCanonical() bool {
	for i := 1; i < len(g.Nodes); i++ {
		if g.Nodes[i-1].ID > g.Nodes[i].ID {
			return false
		}
	}
	for i := 1; i < len(g.Edges); i++ {
		a, b := g.Edges[i-1], g.Edges[i]
		if a.From > b.From {
			return false
		}
		if a.From == b.From && a.To > b.To {
			return false
		}
		if a.From == b.From && a.To == b.To && a.ID > b.ID {
			return false
		}
	}
	return true
}
