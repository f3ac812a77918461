package jobmanager

import "strings"

// orderNode is a vertex of the ordering graph: a job of the transaction or
// a waiting job already queued for a unit outside it.
type orderNode struct {
	tx   *txJob
	live *Job
	unit *Unit
	typ  JobType
}

func (n *orderNode) String() string {
	return n.unit.name + "/" + n.typ.String()
}

// orderGraph holds the edges "from must run before to".
type orderGraph struct {
	nodes []*orderNode
	adj   [][]int
}

func (tr *transaction) orderGraph() *orderGraph {
	g := &orderGraph{}
	byUnit := make(map[UnitID][]int)

	add := func(n *orderNode) {
		byUnit[n.unit.id] = append(byUnit[n.unit.id], len(g.nodes))
		g.nodes = append(g.nodes, n)
	}

	for _, j := range tr.active() {
		add(&orderNode{tx: j, unit: j.unit, typ: j.typ})
	}

	for _, live := range tr.m.sortedJobs() {
		if live.state != JobWaiting {
			continue
		}

		u := tr.m.registry.Unit(live.unit)
		if len(tr.unitJobs(u.id)) > 0 {
			continue
		}

		add(&orderNode{live: live, unit: u, typ: live.typ})
	}

	g.adj = make([][]int, len(g.nodes))

	for i, n := range g.nodes {
		for _, id := range tr.m.registry.Neighbors(n.unit.id, AtomBefore) {
			for _, k := range byUnit[id] {
				ordered, first := runsBefore(n.typ, g.nodes[k].typ)
				if !ordered {
					continue
				}

				if first {
					g.adj[i] = append(g.adj[i], k)
				} else {
					g.adj[k] = append(g.adj[k], i)
				}
			}
		}
	}

	return g
}

// findCycle returns the nodes of an ordering cycle in edge order, or nil.
func (g *orderGraph) findCycle() []int {
	const (
		white = iota
		grey
		black
	)

	type frame struct {
		node int
		next int
	}

	color := make([]int, len(g.nodes))

	for root := range g.nodes {
		if color[root] != white {
			continue
		}

		color[root] = grey
		stack := []frame{{node: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]

			if top.next == len(g.adj[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}

			k := g.adj[top.node][top.next]
			top.next++

			switch color[k] {
			case white:
				color[k] = grey
				stack = append(stack, frame{node: k})

			case grey:
				var cycle []int
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i].node)
					if stack[i].node == k {
						break
					}
				}

				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}

				return cycle
			}
		}
	}

	return nil
}

// breakCycles removes jobs until the ordering graph is acyclic. On each
// cycle the most recently added job that the anchor does not require is
// dropped, together with the jobs that required it.
func (tr *transaction) breakCycles() error {
	for {
		g := tr.orderGraph()

		cycle := g.findCycle()
		if cycle == nil {
			return nil
		}

		var victim *txJob

		for _, i := range cycle {
			j := g.nodes[i].tx
			if j == nil || j.anchor || j.matters {
				continue
			}

			if victim == nil || j.seq > victim.seq {
				victim = j
			}
		}

		path := make([]string, 0, len(cycle)+1)
		for _, i := range cycle {
			path = append(path, g.nodes[i].String())
		}
		path = append(path, g.nodes[cycle[0]].String())

		if victim == nil {
			return newTransactionError(
				ErrUnfixableDeadlock,
				tr.anchor.unit.name,
				tr.anchor.typ,
				"%s",
				strings.Join(path, " -> "),
			)
		}

		tr.m.logger.Warn(
			"breaking ordering cycle",
			"tx", tr.id,
			"cycle", strings.Join(path, " -> "),
			"dropped", victim.unit.name+"/"+victim.typ.String(),
		)

		tr.deleteJob(victim, true)
	}
}
