package graph

// FindCycle returns the edges of one cycle in the graph, or nil when the
// graph is a DAG. Detection is deterministic: adjacency follows canonical
// edge order, so repeated runs over the same graph find the same cycle.
func (g *Graph) FindCycle() []*Edge {
	adj := map[string][]*Edge{}
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []*Edge
	var cycle []*Edge

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, e := range adj[id] {
			switch color[e.To] {
			case gray:
				// Back edge: the cycle is the stack suffix from e.To plus e.
				start := 0
				for i, se := range stack {
					if se.From == e.To {
						start = i
						break
					}
				}
				cycle = append(append([]*Edge{}, stack[start:]...), e)
				return true
			case white:
				stack = append(stack, e)
				if visit(e.To) {
					return true
				}
				stack = stack[:len(stack)-1]
			}
		}
		color[id] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white {
			if visit(n.ID) {
				return cycle
			}
		}
	}
	return nil
}

// RemoveEdge deletes the edge with the given identity from the graph.
func (g *Graph) RemoveEdge(target *Edge) {
	for i, e := range g.Edges {
		if e == target {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return
		}
	}
}
