package simulate

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/templetwo/threshold-protocols/pkg/canonicalize"
	"github.com/templetwo/threshold-protocols/pkg/detect"
)

// stateGraph is a small directed graph standing in for the governed
// system's structure. All iteration happens over sorted node and edge
// lists so identical builds hash identically.
type stateGraph struct {
	nodes map[string]bool
	edges map[[2]string]bool
}

func newStateGraph() *stateGraph {
	return &stateGraph{nodes: make(map[string]bool), edges: make(map[[2]string]bool)}
}

func (g *stateGraph) addNode(id string) { g.nodes[id] = true }

func (g *stateGraph) addEdge(from, to string) { g.edges[[2]string{from, to}] = true }

func (g *stateGraph) clone() *stateGraph {
	c := newStateGraph()
	for n := range g.nodes {
		c.nodes[n] = true
	}
	for e := range g.edges {
		c.edges[e] = true
	}
	return c
}

func (g *stateGraph) sortedNodes() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (g *stateGraph) sortedEdges() [][2]string {
	out := make([][2]string, 0, len(g.edges))
	for e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// hash returns a 16-hex digest of the sorted adjacency.
func (g *stateGraph) hash() string {
	return canonicalize.HashBytes([]byte(fmt.Sprint(g.sortedEdges())))[:16]
}

// editDistanceReversibility scores how cheaply final could be reverted to
// initial: 1 minus the normalized count of node/edge insertions and
// deletions separating the two.
func editDistanceReversibility(initial, final *stateGraph) float64 {
	ops := 0
	for n := range final.nodes {
		if !initial.nodes[n] {
			ops++
		}
	}
	for n := range initial.nodes {
		if !final.nodes[n] {
			ops++
		}
	}
	for e := range final.edges {
		if !initial.edges[e] {
			ops++
		}
	}
	for e := range initial.edges {
		if !final.edges[e] {
			ops++
		}
	}
	max := len(initial.nodes) + len(final.nodes) + len(initial.edges) + len(final.edges)
	if max == 0 {
		return 1
	}
	d := float64(ops) / float64(max)
	if d > 1 {
		d = 1
	}
	return 1 - d
}

// graphCap bounds synthetic node fan-out for large metric values.
const graphCap = 200

// buildGraph constructs the baseline state graph from the triggering
// event. The shape tracks the metric: file counts become a star,
// directory depth a chain, self-references loops.
func buildGraph(event detect.ThresholdEvent) *stateGraph {
	g := newStateGraph()
	g.addNode("root")

	switch event.Metric {
	case detect.MetricFileCount:
		n := int(event.Value)
		if n > graphCap {
			n = graphCap
		}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("file_%03d", i)
			g.addNode(id)
			g.addEdge("root", id)
		}
	case detect.MetricDirectoryDepth:
		parent := "root"
		for d := 0; d < int(event.Value); d++ {
			id := fmt.Sprintf("dir_%03d", d)
			g.addNode(id)
			g.addEdge(parent, id)
			parent = id
		}
	case detect.MetricSelfReference:
		for i := 0; i < int(event.Value); i++ {
			id := fmt.Sprintf("self_%03d", i)
			g.addNode(id)
			g.addEdge("root", id)
			g.addEdge(id, id)
		}
	default:
		g.addNode("state")
		g.addEdge("root", "state")
	}
	return g
}

// perturb produces the randomized variant for one Monte-Carlo run:
// a handful of structural mutations drawn from the run's sub-generator.
func perturb(base *stateGraph, rng *rand.Rand) *stateGraph {
	v := base.clone()
	nodes := v.sortedNodes()
	if len(nodes) < 2 {
		return v
	}
	mutations := 1 + rng.Intn(3)
	for i := 0; i < mutations; i++ {
		from := nodes[rng.Intn(len(nodes))]
		to := nodes[rng.Intn(len(nodes))]
		if from == to {
			continue
		}
		key := [2]string{from, to}
		if v.edges[key] {
			delete(v.edges, key)
		} else {
			v.edges[key] = true
		}
	}
	return v
}
