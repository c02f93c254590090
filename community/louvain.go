package community

import (
	"log/slog"
	"math/rand"
	"sort"

	"github.com/onnwee/viewer-atlas/overlap"
)

// DefaultSeed seeds the node visit order so repeated detections over the
// same graph produce the same partition.
const DefaultSeed int64 = 42

// LouvainDetector is a multilevel weighted modularity optimizer. Each level
// greedily moves nodes into the neighboring community with the best positive
// modularity gain until no move improves, then contracts communities into
// super-nodes and repeats on the coarsened graph. Resolution scales the
// null-model term: above 1 it biases toward more, smaller communities and
// below 1 toward fewer, larger ones.
type LouvainDetector struct {
	Resolution float64
	Seed       int64

	log *slog.Logger
}

// NewLouvainDetector returns a detector with the deterministic default seed.
func NewLouvainDetector(resolution float64) *LouvainDetector {
	return &LouvainDetector{
		Resolution: resolution,
		Seed:       DefaultSeed,
		log:        slog.With(slog.String("component", "community")),
	}
}

func (d *LouvainDetector) Name() string { return BackendLouvain }

// Detect partitions the graph. Every node receives exactly one community id;
// isolated nodes end up in singleton communities. An empty graph returns an
// empty partition.
func (d *LouvainDetector) Detect(g *overlap.Graph) (Partition, error) {
	if g == nil || g.NodeCount() == 0 {
		return Partition{}, nil
	}

	channels := g.Channels()
	lg := newLevelGraph(g, channels)
	rng := rand.New(rand.NewSource(d.Seed))

	// membership[i] tracks the community of original node i through every
	// coarsening level.
	membership := make([]int, len(channels))
	for i := range membership {
		membership[i] = i
	}

	for {
		comm, moved := lg.localMove(d.Resolution, rng)
		if !moved {
			break
		}
		dense := densify(comm)
		for i := range membership {
			membership[i] = dense[comm[membership[i]]]
		}
		if len(dense) == lg.n {
			break
		}
		lg = lg.coarsen(comm, dense)
	}

	p := make(Partition, len(channels))
	for i, ch := range channels {
		p[ch] = membership[i]
	}
	p = renumber(p)

	d.log.Info("louvain detection complete",
		slog.Int("nodes", len(channels)),
		slog.Int("communities", len(p.Communities())),
		slog.Float64("modularity", Modularity(g, p, d.Resolution)),
		slog.Float64("resolution", d.Resolution))
	return p, nil
}

// levelGraph is the working representation for one coarsening level.
// Contracted communities carry their internal weight as a self-loop, which
// counts twice toward the node's weighted degree.
type levelGraph struct {
	n       int
	weights []map[int]float64
	self    []float64
	degree  []float64
	m       float64
}

func newLevelGraph(g *overlap.Graph, channels []string) *levelGraph {
	index := make(map[string]int, len(channels))
	for i, ch := range channels {
		index[ch] = i
	}

	lg := &levelGraph{
		n:       len(channels),
		weights: make([]map[int]float64, len(channels)),
		self:    make([]float64, len(channels)),
		degree:  make([]float64, len(channels)),
	}
	for i := range lg.weights {
		lg.weights[i] = make(map[int]float64)
	}
	for _, e := range g.Edges() {
		u, v, w := index[e.Source], index[e.Target], float64(e.Weight)
		lg.weights[u][v] = w
		lg.weights[v][u] = w
		lg.degree[u] += w
		lg.degree[v] += w
		lg.m += w
	}
	return lg
}

// localMove runs the first Louvain phase: nodes are visited in a seeded
// shuffled order and moved to whichever neighboring community yields the
// largest strictly positive modularity gain. Passes repeat until a full pass
// moves nothing. Returns the node-to-community assignment and whether any
// node moved at all.
func (lg *levelGraph) localMove(resolution float64, rng *rand.Rand) ([]int, bool) {
	comm := make([]int, lg.n)
	tot := make([]float64, lg.n)
	for i := 0; i < lg.n; i++ {
		comm[i] = i
		tot[i] = lg.degree[i]
	}
	if lg.m == 0 {
		return comm, false
	}

	order := rng.Perm(lg.n)
	moved := false

	for {
		changed := false
		for _, u := range order {
			cu := comm[u]
			ku := lg.degree[u]

			// Weight from u to each adjacent community. Self-loops are
			// excluded; they move with the node and cancel out of the gain.
			links := make(map[int]float64, len(lg.weights[u]))
			for v, w := range lg.weights[u] {
				links[comm[v]] += w
			}

			tot[cu] -= ku

			best := cu
			bestGain := links[cu] - resolution*tot[cu]*ku/(2*lg.m)

			candidates := make([]int, 0, len(links))
			for c := range links {
				if c != cu {
					candidates = append(candidates, c)
				}
			}
			sort.Ints(candidates)
			for _, c := range candidates {
				gain := links[c] - resolution*tot[c]*ku/(2*lg.m)
				if gain > bestGain {
					bestGain = gain
					best = c
				}
			}

			tot[best] += ku
			if best != cu {
				comm[u] = best
				changed = true
				moved = true
			}
		}
		if !changed {
			break
		}
	}
	return comm, moved
}

// densify maps the sparse community labels of an assignment to dense
// 0-based ids in first-seen node order.
func densify(comm []int) map[int]int {
	mapping := make(map[int]int)
	next := 0
	for _, c := range comm {
		if _, ok := mapping[c]; !ok {
			mapping[c] = next
			next++
		}
	}
	return mapping
}

// coarsen contracts each community into a super-node. Inter-community
// weights accumulate into edges; intra-community weights become self-loops.
// Total graph weight is preserved.
func (lg *levelGraph) coarsen(comm []int, dense map[int]int) *levelGraph {
	k := len(dense)
	next := &levelGraph{
		n:       k,
		weights: make([]map[int]float64, k),
		self:    make([]float64, k),
		degree:  make([]float64, k),
		m:       lg.m,
	}
	for i := range next.weights {
		next.weights[i] = make(map[int]float64)
	}

	for u := 0; u < lg.n; u++ {
		cu := dense[comm[u]]
		next.self[cu] += lg.self[u]
		for v, w := range lg.weights[u] {
			cv := dense[comm[v]]
			if cv == cu {
				if u < v {
					next.self[cu] += w
				}
			} else {
				next.weights[cu][cv] += w
			}
		}
	}
	for u := 0; u < k; u++ {
		d := 2 * next.self[u]
		for _, w := range next.weights[u] {
			d += w
		}
		next.degree[u] = d
	}
	return next
}
