package community

import (
	"sort"

	"github.com/onnwee/viewer-atlas/overlap"
)

// Partition maps every graph node to an integer community id. Partitions are
// total and covering: each node appears exactly once and communities are
// pairwise disjoint by construction.
type Partition map[string]int

// Communities groups the partition by id. Member lists are sorted so output
// is deterministic.
func (p Partition) Communities() map[int][]string {
	out := make(map[int][]string)
	for channel, id := range p {
		out[id] = append(out[id], channel)
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// CommunityOf returns the community id for a channel, or -1 when the channel
// is not part of the partition.
func (p Partition) CommunityOf(channel string) int {
	id, ok := p[channel]
	if !ok {
		return -1
	}
	return id
}

// CommunitySize pairs a community id with its member count.
type CommunitySize struct {
	ID   int `json:"id"`
	Size int `json:"size"`
}

// Statistics summarizes a detection result for reporting.
type Statistics struct {
	NumCommunities        int             `json:"num_communities"`
	Modularity            float64         `json:"modularity"`
	CommunitySizes        []CommunitySize `json:"community_sizes"`
	LargestCommunitySize  int             `json:"largest_community_size"`
	SmallestCommunitySize int             `json:"smallest_community_size"`
}

// Stats computes partition quality statistics against the graph the
// partition was detected on. An empty partition yields zero values.
func (p Partition) Stats(g *overlap.Graph, resolution float64) Statistics {
	communities := p.Communities()
	stats := Statistics{NumCommunities: len(communities)}
	if len(communities) == 0 {
		stats.CommunitySizes = []CommunitySize{}
		return stats
	}

	stats.Modularity = Modularity(g, p, resolution)

	sizes := make([]CommunitySize, 0, len(communities))
	for id, members := range communities {
		sizes = append(sizes, CommunitySize{ID: id, Size: len(members)})
	}
	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i].Size != sizes[j].Size {
			return sizes[i].Size > sizes[j].Size
		}
		return sizes[i].ID < sizes[j].ID
	})
	stats.CommunitySizes = sizes
	stats.LargestCommunitySize = sizes[0].Size
	stats.SmallestCommunitySize = sizes[len(sizes)-1].Size
	return stats
}

// renumber rewrites community ids to dense 0-based integers assigned in
// sorted channel order, so equal partitions always serialize identically.
func renumber(p Partition) Partition {
	channels := make([]string, 0, len(p))
	for ch := range p {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	next := 0
	mapping := make(map[int]int)
	out := make(Partition, len(p))
	for _, ch := range channels {
		old := p[ch]
		id, ok := mapping[old]
		if !ok {
			id = next
			mapping[old] = id
			next++
		}
		out[ch] = id
	}
	return out
}
