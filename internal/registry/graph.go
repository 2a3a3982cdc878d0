package registry

import (
	"sort"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

// Node is one module in the dependency graph
type Node struct {
	Name     string              `json:"name"`
	Watches  []model.FindingType `json:"watches"`
	Produces []model.FindingType `json:"produces"`
}

// Edge runs from a producer to a module watching one of the produced types
type Edge struct {
	From  string              `json:"from"`
	To    string              `json:"to"`
	Types []model.FindingType `json:"types"`
}

// Graph is the producer/consumer relation between modules. It may contain
// cycles; it is used to select modules, never to order execution.
type Graph struct {
	nodes []Node
	edges []Edge
	succ  map[string][]string
	descs map[string]module.Descriptor
}

func buildGraph(descs []module.Descriptor) *Graph {
	g := &Graph{
		succ:  make(map[string][]string),
		descs: make(map[string]module.Descriptor, len(descs)),
	}
	for _, d := range descs {
		g.descs[d.Name] = d
		g.nodes = append(g.nodes, Node{Name: d.Name, Watches: d.Watches, Produces: d.Produces})
	}
	sort.Slice(g.nodes, func(i, j int) bool { return g.nodes[i].Name < g.nodes[j].Name })

	for _, from := range g.nodes {
		for _, to := range g.nodes {
			d := g.descs[to.Name]
			var shared []model.FindingType
			for _, t := range from.Produces {
				if d.WatchesType(t) {
					shared = append(shared, t)
				}
			}
			if len(shared) == 0 {
				continue
			}
			g.edges = append(g.edges, Edge{From: from.Name, To: to.Name, Types: shared})
			g.succ[from.Name] = append(g.succ[from.Name], to.Name)
		}
	}
	return g
}

// Nodes returns the modules in name order
func (g *Graph) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

// Edges returns every producer/consumer edge
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Successors returns the modules fed by name
func (g *Graph) Successors(name string) []string {
	return append([]string(nil), g.succ[name]...)
}

// Reachable returns the modules that can receive input in a scan seeded with
// seed, considering only the modules in among (all modules when nil).
func (g *Graph) Reachable(seed model.FindingType, among map[string]bool) map[string]bool {
	available := map[model.FindingType]bool{seed: true}
	reached := make(map[string]bool)

	for changed := true; changed; {
		changed = false
		for _, n := range g.nodes {
			if reached[n.Name] || (among != nil && !among[n.Name]) {
				continue
			}
			if !g.fedBy(n.Name, available) {
				continue
			}
			reached[n.Name] = true
			changed = true
			for _, t := range n.Produces {
				available[t] = true
			}
		}
	}
	return reached
}

func (g *Graph) fedBy(name string, available map[model.FindingType]bool) bool {
	d := g.descs[name]
	for _, w := range d.Watches {
		if w == model.Wildcard || available[w] {
			return true
		}
	}
	return false
}

// Unreachable lists the modules that can never receive input from seed
func (g *Graph) Unreachable(seed model.FindingType) []string {
	reached := g.Reachable(seed, nil)
	var out []string
	for _, n := range g.nodes {
		if !reached[n.Name] {
			out = append(out, n.Name)
		}
	}
	return out
}

// Contributors returns the modules among reachable that transitively feed
// one of goals.
func (g *Graph) Contributors(goals []model.FindingType, reachable map[string]bool) map[string]bool {
	needed := make(map[model.FindingType]bool, len(goals))
	for _, t := range goals {
		needed[t] = true
	}
	out := make(map[string]bool)

	for changed := true; changed; {
		changed = false
		for _, n := range g.nodes {
			if out[n.Name] || !reachable[n.Name] {
				continue
			}
			feeds := false
			for _, t := range n.Produces {
				if needed[t] {
					feeds = true
					break
				}
			}
			if !feeds {
				continue
			}
			out[n.Name] = true
			changed = true
			for _, w := range n.Watches {
				if w != model.Wildcard {
					needed[w] = true
				}
			}
		}
	}
	return out
}
