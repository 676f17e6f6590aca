package depgraph

// cyclesAmong finds the cycles of the subgraph induced by nodes.
//
// The algorithm:
//  1. Find strongly connected components with Tarjan's algorithm
//  2. Keep components with more than one node, or a single node that
//     references itself
//  3. Name each cycle by the shortest path from its smallest id back to
//     itself
func (g *Graph) cyclesAmong(nodes []int64) []*CircularDependencyError {
	in := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}

	var cycles []*CircularDependencyError
	for _, scc := range g.tarjanSCC(nodes, in) {
		if len(scc) == 1 && !g.hasSelfLoop(scc[0]) {
			continue
		}
		sortIDs(scc)
		cycles = append(cycles, &CircularDependencyError{
			Code: ErrCodeCircularDependency,
			Path: g.cyclePath(scc),
		})
	}

	// Components come out in completion order; order them by smallest member.
	for i := 1; i < len(cycles); i++ {
		for j := i; j > 0 && cycles[j].Path[0] < cycles[j-1].Path[0]; j-- {
			cycles[j], cycles[j-1] = cycles[j-1], cycles[j]
		}
	}
	return cycles
}

func (g *Graph) hasSelfLoop(id int64) bool {
	for _, d := range g.deps[id] {
		if d == id {
			return true
		}
	}
	return false
}

// tarjanSCC returns the strongly connected components of the subgraph induced
// by in. Nodes are visited in ascending order.
func (g *Graph) tarjanSCC(nodes []int64, in map[int64]bool) [][]int64 {
	var (
		index   = 0
		stack   []int64
		indices = make(map[int64]int)
		lowlink = make(map[int64]int)
		onStack = make(map[int64]bool)
		sccs    [][]int64
	)

	var strongConnect func(int64)
	strongConnect = func(v int64) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.deps[v] {
			if !in[w] {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// Root of a component: pop it off the stack.
		if lowlink[v] == indices[v] {
			var scc []int64
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cyclePath returns the shortest cycle through the component's smallest id,
// found breadth-first over edges that stay inside the component. scc must be
// sorted ascending.
func (g *Graph) cyclePath(scc []int64) []int64 {
	start := scc[0]
	member := make(map[int64]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}

	parent := make(map[int64]int64)
	seen := map[int64]bool{}
	queue := []int64{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.deps[cur] {
			if !member[next] {
				continue
			}
			if next == start {
				path := []int64{start}
				for n := cur; n != start; n = parent[n] {
					path = append(path, n)
				}
				// path holds start followed by the walk back; reverse the walk.
				for i, j := 1, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return append(path, start)
			}
			if !seen[next] {
				seen[next] = true
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return []int64{start, start}
}
