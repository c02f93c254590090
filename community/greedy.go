package community

import (
	"log/slog"

	"github.com/onnwee/viewer-atlas/overlap"
)

// defaultGreedyPasses bounds the merge loop.
const defaultGreedyPasses = 10

// GreedyDetector is the coarse fallback partitioner. Starting from
// singletons, each pass scans edges in sorted order and performs the first
// merge it finds, folding the target endpoint's community into the source's.
// Scanning stops when a pass finds nothing to merge or after MaxPasses.
//
// This is an approximate heuristic, not a modularity optimizer: it tends to
// produce fewer, larger, possibly suboptimal communities, and large connected
// graphs can hit the pass cap before fully merging. Callers must select it
// explicitly.
type GreedyDetector struct {
	MaxPasses int

	log *slog.Logger
}

func NewGreedyDetector() *GreedyDetector {
	return &GreedyDetector{
		MaxPasses: defaultGreedyPasses,
		log:       slog.With(slog.String("component", "community")),
	}
}

func (d *GreedyDetector) Name() string { return BackendGreedy }

// Detect partitions the graph. Every node receives a community id; an empty
// graph returns an empty partition.
func (d *GreedyDetector) Detect(g *overlap.Graph) (Partition, error) {
	if g == nil || g.NodeCount() == 0 {
		return Partition{}, nil
	}

	channels := g.Channels()
	p := make(Partition, len(channels))
	for i, ch := range channels {
		p[ch] = i
	}

	edges := g.Edges()
	maxPasses := d.MaxPasses
	if maxPasses <= 0 {
		maxPasses = defaultGreedyPasses
	}

	passes := 0
	for ; passes < maxPasses; passes++ {
		merged := false
		for _, e := range edges {
			cs, ct := p[e.Source], p[e.Target]
			if cs == ct {
				continue
			}
			for ch, c := range p {
				if c == ct {
					p[ch] = cs
				}
			}
			merged = true
			break
		}
		if !merged {
			break
		}
	}

	p = renumber(p)
	d.log.Info("greedy detection complete",
		slog.Int("nodes", len(channels)),
		slog.Int("communities", len(p.Communities())),
		slog.Int("passes", passes))
	return p, nil
}
