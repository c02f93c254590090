// Package overlap builds weighted undirected graphs of shared-audience
// overlap between channels. Nodes are channels annotated with viewer set
// size and latest metadata; an edge connects two channels when they share at
// least the configured number of viewers, weighted by the intersection size.
package overlap

import (
	"sort"

	"github.com/onnwee/viewer-atlas/presence"
)

// Node is one channel in the overlap graph.
type Node struct {
	Channel string             `json:"id"`
	Viewers int                `json:"viewers"`
	Meta    *presence.Metadata `json:"metadata,omitempty"`
}

// Edge is one undirected weighted connection. Source is always the
// lexicographically smaller channel so edge listings are stable.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Weight int    `json:"weight"`
}

// Neighbor pairs an adjacent channel with the shared-viewer count.
type Neighbor struct {
	Channel string `json:"channel"`
	Weight  int    `json:"weight"`
}

// Graph is a weighted undirected simple graph keyed by channel login.
// Self-loops never occur and weights are always positive.
type Graph struct {
	nodes map[string]Node
	adj   map[string]map[string]int
	edges int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		adj:   make(map[string]map[string]int),
	}
}

// AddNode inserts or replaces a node. Existing edges are unaffected.
func (g *Graph) AddNode(n Node) {
	g.nodes[n.Channel] = n
	if _, ok := g.adj[n.Channel]; !ok {
		g.adj[n.Channel] = make(map[string]int)
	}
}

// AddEdge connects two existing distinct nodes with a positive weight.
// Self-loops and non-positive weights are ignored.
func (g *Graph) AddEdge(a, b string, weight int) {
	if a == b || weight <= 0 {
		return
	}
	if _, ok := g.nodes[a]; !ok {
		return
	}
	if _, ok := g.nodes[b]; !ok {
		return
	}
	if _, exists := g.adj[a][b]; !exists {
		g.edges++
	}
	g.adj[a][b] = weight
	g.adj[b][a] = weight
}

func (g *Graph) removeEdge(a, b string) {
	if _, exists := g.adj[a][b]; !exists {
		return
	}
	delete(g.adj[a], b)
	delete(g.adj[b], a)
	g.edges--
}

// NodeCount reports the number of channels in the graph.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount reports the number of undirected edges.
func (g *Graph) EdgeCount() int { return g.edges }

// Node returns the node for a channel, if present.
func (g *Graph) Node(channel string) (Node, bool) {
	n, ok := g.nodes[channel]
	return n, ok
}

// Weight returns the edge weight between two channels, or 0 when no edge
// exists.
func (g *Graph) Weight(a, b string) int {
	return g.adj[a][b]
}

// HasEdge reports whether two channels are connected.
func (g *Graph) HasEdge(a, b string) bool {
	_, ok := g.adj[a][b]
	return ok
}

// Degree reports the number of edges attached to a channel.
func (g *Graph) Degree(channel string) int {
	return len(g.adj[channel])
}

// Channels returns every channel in the graph, sorted.
func (g *Graph) Channels() []string {
	out := make([]string, 0, len(g.nodes))
	for ch := range g.nodes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Nodes returns every node sorted by channel.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, ch := range g.Channels() {
		out = append(out, g.nodes[ch])
	}
	return out
}

// Edges returns every edge exactly once, sorted by (source, target).
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, g.edges)
	for a, neighbors := range g.adj {
		for b, w := range neighbors {
			if a < b {
				out = append(out, Edge{Source: a, Target: b, Weight: w})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// Neighbors returns the channels adjacent to a channel with their shared
// viewer counts, sorted by weight descending. Equal weights order
// lexicographically by channel so results are deterministic for a fixed
// input. Unknown channels yield an empty slice.
func (g *Graph) Neighbors(channel string) []Neighbor {
	adjacent, ok := g.adj[channel]
	if !ok {
		return nil
	}
	out := make([]Neighbor, 0, len(adjacent))
	for ch, w := range adjacent {
		out = append(out, Neighbor{Channel: ch, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// ApplyThreshold removes, in place, every edge with weight below the new
// threshold. It never adds edges and never recomputes overlaps; weights were
// materialized at build time.
func (g *Graph) ApplyThreshold(threshold int) {
	for _, e := range g.Edges() {
		if e.Weight < threshold {
			g.removeEdge(e.Source, e.Target)
		}
	}
}

// LargestComponent returns the induced subgraph of the largest connected
// component. Ties break toward the component containing the
// lexicographically smallest channel. An empty graph returns an empty graph.
func (g *Graph) LargestComponent() *Graph {
	visited := make(map[string]bool, len(g.nodes))
	var largest []string

	for _, start := range g.Channels() {
		if visited[start] {
			continue
		}
		component := []string{start}
		visited[start] = true
		queue := []string{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for next := range g.adj[cur] {
				if !visited[next] {
					visited[next] = true
					component = append(component, next)
					queue = append(queue, next)
				}
			}
		}
		if len(component) > len(largest) {
			largest = component
		}
	}

	sub := NewGraph()
	for _, ch := range largest {
		sub.AddNode(g.nodes[ch])
	}
	for _, ch := range largest {
		for next, w := range g.adj[ch] {
			if _, ok := sub.nodes[next]; ok {
				sub.AddEdge(ch, next, w)
			}
		}
	}
	return sub
}

// CentralityScore pairs a channel with its degree centrality.
type CentralityScore struct {
	Channel    string  `json:"channel"`
	Centrality float64 `json:"centrality"`
}

// Statistics summarizes graph shape for reporting.
type Statistics struct {
	NumNodes             int               `json:"num_nodes"`
	NumEdges             int               `json:"num_edges"`
	AvgEdgeWeight        float64           `json:"avg_edge_weight"`
	MaxEdgeWeight        int               `json:"max_edge_weight"`
	NumIsolatedNodes     int               `json:"num_isolated_nodes"`
	Density              float64           `json:"density"`
	TopConnectedChannels []CentralityScore `json:"top_connected_channels"`
}

// Statistics computes summary metrics. Graphs with zero or one node produce
// zero density and centrality rather than dividing by zero.
func (g *Graph) Statistics() Statistics {
	stats := Statistics{
		NumNodes: len(g.nodes),
		NumEdges: g.edges,
	}

	if g.edges > 0 {
		total := 0
		for _, e := range g.Edges() {
			total += e.Weight
			if e.Weight > stats.MaxEdgeWeight {
				stats.MaxEdgeWeight = e.Weight
			}
		}
		stats.AvgEdgeWeight = float64(total) / float64(g.edges)
	}

	n := len(g.nodes)
	if n >= 2 {
		stats.Density = 2 * float64(g.edges) / (float64(n) * float64(n-1))
	}

	scores := make([]CentralityScore, 0, n)
	for _, ch := range g.Channels() {
		degree := len(g.adj[ch])
		if degree == 0 {
			stats.NumIsolatedNodes++
		}
		score := 0.0
		if n >= 2 {
			score = float64(degree) / float64(n-1)
		}
		scores = append(scores, CentralityScore{Channel: ch, Centrality: score})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Centrality != scores[j].Centrality {
			return scores[i].Centrality > scores[j].Centrality
		}
		return scores[i].Channel < scores[j].Channel
	})
	if len(scores) > 10 {
		scores = scores[:10]
	}
	stats.TopConnectedChannels = scores
	return stats
}
