// Package community partitions overlap graphs into audience communities.
// The primary detector is a multilevel modularity optimizer (Louvain); a
// deliberately coarse greedy detector exists as an explicitly selected
// fallback. Backends are chosen by name through New, never by probing, so
// identical configuration produces identical behavior everywhere.
package community

import (
	"fmt"

	"github.com/onnwee/viewer-atlas/overlap"
)

// Backend names accepted by New.
const (
	BackendLouvain = "louvain"
	BackendGreedy  = "greedy"
)

// Detector partitions a graph into communities. Implementations must return
// a total partition: every node in the graph receives exactly one community
// id, isolated nodes included. An empty graph yields an empty partition, not
// an error.
type Detector interface {
	// Name reports the backend name the detector was registered under.
	Name() string
	// Detect computes a partition of the graph.
	Detect(g *overlap.Graph) (Partition, error)
}

// BackendUnavailableError reports a detection backend that is not compiled
// into this binary. Callers wanting the degraded heuristic must select the
// greedy backend explicitly; detection never silently substitutes it.
type BackendUnavailableError struct {
	Backend string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("community detection backend %q unavailable (have %q, %q)",
		e.Backend, BackendLouvain, BackendGreedy)
}

// New returns the detector for a configured backend name.
func New(backend string, resolution float64) (Detector, error) {
	switch backend {
	case BackendLouvain:
		return NewLouvainDetector(resolution), nil
	case BackendGreedy:
		return NewGreedyDetector(), nil
	default:
		return nil, &BackendUnavailableError{Backend: backend}
	}
}
