package community

import "github.com/onnwee/viewer-atlas/overlap"

// Modularity computes the weighted modularity Q of a partition:
//
//	Q = sum over communities c of [ intra_c/m - resolution * (deg_c/(2m))^2 ]
//
// where m is the total edge weight, intra_c the weight of edges inside c,
// and deg_c the summed weighted degree of c's members. Higher is better;
// values fall roughly within [-1, 1]. The resolution parameter scales the
// null-model term: above 1 it favors more, smaller communities. A graph with
// no edges has modularity 0.
func Modularity(g *overlap.Graph, p Partition, resolution float64) float64 {
	edges := g.Edges()
	var m float64
	for _, e := range edges {
		m += float64(e.Weight)
	}
	if m == 0 {
		return 0
	}

	intra := make(map[int]float64)
	degree := make(map[int]float64)
	for _, e := range edges {
		cs, okS := p[e.Source]
		ct, okT := p[e.Target]
		if !okS || !okT {
			continue
		}
		w := float64(e.Weight)
		degree[cs] += w
		degree[ct] += w
		if cs == ct {
			intra[cs] += w
		}
	}

	var q float64
	for id, deg := range degree {
		q += intra[id]/m - resolution*(deg/(2*m))*(deg/(2*m))
	}
	return q
}
