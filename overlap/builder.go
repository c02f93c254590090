package overlap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/onnwee/viewer-atlas/presence"
)

// Strategy names an overlap computation algorithm.
type Strategy string

const (
	// StrategyPairwise intersects every unordered channel pair directly.
	// O(C^2) set intersections.
	StrategyPairwise Strategy = "pairwise"
	// StrategyInverted accumulates overlap counts through a viewer-to-channels
	// index, touching only pairs that actually co-occur. Produces a graph
	// identical to StrategyPairwise.
	StrategyInverted Strategy = "inverted"
)

// Builder turns a viewer-set mapping into an overlap graph. Building is a
// pure function of (viewer sets, threshold): identical inputs always produce
// identical edge sets and weights, regardless of strategy or iteration order.
type Builder struct {
	Threshold int
	Strategy  Strategy

	log *slog.Logger
}

// NewBuilder returns a builder for the given inclusive overlap threshold.
// An empty strategy defaults to StrategyPairwise.
func NewBuilder(threshold int, strategy Strategy) *Builder {
	if strategy == "" {
		strategy = StrategyPairwise
	}
	return &Builder{
		Threshold: threshold,
		Strategy:  strategy,
		log:       slog.With(slog.String("component", "overlap")),
	}
}

// Build computes the overlap graph. Every channel becomes a node, keeping
// isolated channels; an edge is created iff the pair shares at least
// Threshold viewers. Zero-overlap pairs never produce edges. The context is
// checked between pair evaluations so long builds can be canceled.
func (b *Builder) Build(ctx context.Context, viewers map[string]presence.ViewerSet, metadata map[string]presence.Metadata) (*Graph, error) {
	g := NewGraph()

	channels := make([]string, 0, len(viewers))
	for ch := range viewers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	b.log.Info("building overlap graph",
		slog.Int("channels", len(channels)),
		slog.Int("threshold", b.Threshold),
		slog.String("strategy", string(b.Strategy)))

	for _, ch := range channels {
		node := Node{Channel: ch, Viewers: len(viewers[ch])}
		if meta, ok := metadata[ch]; ok {
			m := meta
			node.Meta = &m
		}
		g.AddNode(node)
	}

	var (
		counts map[[2]string]int
		err    error
	)
	switch b.Strategy {
	case StrategyPairwise:
		counts, err = pairwiseOverlaps(ctx, channels, viewers)
	case StrategyInverted:
		counts, err = invertedOverlaps(ctx, channels, viewers)
	default:
		return nil, fmt.Errorf("unknown overlap strategy %q", b.Strategy)
	}
	if err != nil {
		return nil, err
	}

	for pair, overlap := range counts {
		if overlap >= b.Threshold && overlap > 0 {
			g.AddEdge(pair[0], pair[1], overlap)
		}
	}

	b.log.Info("overlap graph built",
		slog.Int("nodes", g.NodeCount()),
		slog.Int("edges", g.EdgeCount()))
	return g, nil
}

func pairwiseOverlaps(ctx context.Context, channels []string, viewers map[string]presence.ViewerSet) (map[[2]string]int, error) {
	counts := make(map[[2]string]int)
	for i := 0; i < len(channels); i++ {
		for j := i + 1; j < len(channels); j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a, b := channels[i], channels[j]
			overlap := intersectionSize(viewers[a], viewers[b])
			if overlap > 0 {
				counts[[2]string{a, b}] = overlap
			}
		}
	}
	return counts, nil
}

func invertedOverlaps(ctx context.Context, channels []string, viewers map[string]presence.ViewerSet) (map[[2]string]int, error) {
	index := make(map[string][]string)
	for _, ch := range channels {
		for user := range viewers[ch] {
			index[user] = append(index[user], ch)
		}
	}

	counts := make(map[[2]string]int)
	for _, userChannels := range index {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(userChannels) < 2 {
			continue
		}
		sort.Strings(userChannels)
		for i := 0; i < len(userChannels); i++ {
			for j := i + 1; j < len(userChannels); j++ {
				counts[[2]string{userChannels[i], userChannels[j]}]++
			}
		}
	}
	return counts, nil
}

// intersectionSize iterates the smaller set.
func intersectionSize(a, b presence.ViewerSet) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for user := range a {
		if _, ok := b[user]; ok {
			n++
		}
	}
	return n
}
