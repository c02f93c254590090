package presence

import (
	"log/slog"
	"sort"
	"strings"
)

// ViewerSet is a set of chatter usernames, always lowercase.
type ViewerSet map[string]struct{}

func (v ViewerSet) clone() ViewerSet {
	out := make(ViewerSet, len(v))
	for u := range v {
		out[u] = struct{}{}
	}
	return out
}

// Aggregator merges snapshot records into cumulative per-channel viewer sets
// and latest-wins metadata. It is an explicit accumulator with a defined
// construction lifecycle; build a fresh one per analysis run. Not safe for
// concurrent use.
type Aggregator struct {
	viewers      map[string]ViewerSet
	metadata     map[string]Metadata
	sourceCounts map[string]int
	snapshots    int
	skipped      int
	log          *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		viewers:      make(map[string]ViewerSet),
		metadata:     make(map[string]Metadata),
		sourceCounts: make(map[string]int),
		log:          slog.With(slog.String("component", "presence")),
	}
}

// Ingest normalizes and merges one loosely typed record. Malformed records
// (no channel login, unparsable chatter list) are logged, counted, and
// skipped; a bad record never aborts the batch. Returns whether the record
// was ingested.
func (a *Aggregator) Ingest(record map[string]any, defaultSource string) bool {
	snap, err := DecodeSnapshot(record, defaultSource)
	if err != nil {
		a.skipped++
		a.log.Debug("skipping malformed snapshot record", slog.Any("err", err))
		return false
	}
	a.Add(snap)
	return true
}

// Add merges an already normalized snapshot. Re-adding an identical snapshot
// changes nothing: viewer sets absorb duplicates and metadata overwrites with
// equal values.
func (a *Aggregator) Add(s Snapshot) {
	set, ok := a.viewers[s.Channel]
	if !ok {
		set = make(ViewerSet)
		a.viewers[s.Channel] = set
	}
	for _, chatter := range s.Chatters {
		set[strings.ToLower(chatter)] = struct{}{}
	}
	if s.Meta != nil {
		a.metadata[s.Channel] = *s.Meta
	}

	source := s.Source
	if source == "" {
		source = "live"
	}
	a.sourceCounts[source]++
	a.snapshots++
}

// ChannelViewers returns a copy of the accumulated viewer sets. Mutating the
// result does not affect aggregator state.
func (a *Aggregator) ChannelViewers() map[string]ViewerSet {
	out := make(map[string]ViewerSet, len(a.viewers))
	for ch, set := range a.viewers {
		out[ch] = set.clone()
	}
	return out
}

// ChannelMetadata returns a copy of the latest metadata per channel.
// Channels whose snapshots never carried metadata are absent.
func (a *Aggregator) ChannelMetadata() map[string]Metadata {
	out := make(map[string]Metadata, len(a.metadata))
	for ch, meta := range a.metadata {
		out[ch] = meta
	}
	return out
}

// SkippedRecords reports how many malformed records were dropped so far.
func (a *Aggregator) SkippedRecords() int { return a.skipped }

// FilterBySize returns the channels whose accumulated viewer set has at
// least minViewers members.
func (a *Aggregator) FilterBySize(minViewers int) map[string]ViewerSet {
	out := make(map[string]ViewerSet)
	for ch, set := range a.viewers {
		if len(set) >= minViewers {
			out[ch] = set.clone()
		}
	}
	return out
}

// FilterByMetadata returns the channels passing a stream viewer count floor
// and not matching any excluded category. Category exclusion is a
// case-insensitive substring match. Channels without metadata pass: absence
// of metadata must not silently exclude data.
func (a *Aggregator) FilterByMetadata(minViewerCount int, excludeCategories []string) map[string]ViewerSet {
	out := make(map[string]ViewerSet)
	for ch, set := range a.viewers {
		meta, ok := a.metadata[ch]
		if !ok {
			out[ch] = set.clone()
			continue
		}
		if meta.ViewerCount < minViewerCount {
			continue
		}
		game := strings.ToLower(meta.GameName)
		excluded := false
		for _, excl := range excludeCategories {
			if excl != "" && strings.Contains(game, strings.ToLower(excl)) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		out[ch] = set.clone()
	}
	return out
}

// UserChannelMap inverts the viewer sets: username to the set of channels the
// user was observed in. Built on demand from current state.
func (a *Aggregator) UserChannelMap() map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for ch, set := range a.viewers {
		for user := range set {
			channels, ok := out[user]
			if !ok {
				channels = make(map[string]struct{})
				out[user] = channels
			}
			channels[ch] = struct{}{}
		}
	}
	return out
}

// FilterByRepeatViewers restricts each channel's viewer set to users observed
// in at least minAppearances distinct channels. Channels left with no viewers
// are dropped from the result entirely.
func (a *Aggregator) FilterByRepeatViewers(minAppearances int) map[string]ViewerSet {
	userChannels := a.UserChannelMap()
	repeat := make(map[string]struct{})
	for user, channels := range userChannels {
		if len(channels) >= minAppearances {
			repeat[user] = struct{}{}
		}
	}

	out := make(map[string]ViewerSet)
	for ch, set := range a.viewers {
		filtered := make(ViewerSet)
		for user := range set {
			if _, ok := repeat[user]; ok {
				filtered[user] = struct{}{}
			}
		}
		if len(filtered) > 0 {
			out[ch] = filtered
		}
	}
	return out
}

// ChannelSize pairs a channel with its viewer set cardinality.
type ChannelSize struct {
	Channel string `json:"channel"`
	Viewers int    `json:"viewers"`
}

// Statistics summarizes aggregation state for reporting. All fields are safe
// to compute over an empty aggregator.
type Statistics struct {
	TotalSnapshots         int            `json:"total_snapshots"`
	TotalChannels          int            `json:"total_channels"`
	TotalViewersPerChannel int            `json:"total_unique_viewers_per_channel"`
	TotalUniqueViewersAll  int            `json:"total_unique_viewers_across_all"`
	TopChannelsByViewers   []ChannelSize  `json:"top_channels_by_viewers"`
	SnapshotSources        map[string]int `json:"snapshot_sources"`
	SkippedRecords         int            `json:"skipped_records"`
}

// Statistics computes the aggregation summary over current state.
func (a *Aggregator) Statistics() Statistics {
	stats := Statistics{
		TotalSnapshots:  a.snapshots,
		TotalChannels:   len(a.viewers),
		SnapshotSources: make(map[string]int, len(a.sourceCounts)),
		SkippedRecords:  a.skipped,
	}
	for src, n := range a.sourceCounts {
		stats.SnapshotSources[src] = n
	}

	all := make(map[string]struct{})
	sizes := make([]ChannelSize, 0, len(a.viewers))
	for ch, set := range a.viewers {
		stats.TotalViewersPerChannel += len(set)
		sizes = append(sizes, ChannelSize{Channel: ch, Viewers: len(set)})
		for user := range set {
			all[user] = struct{}{}
		}
	}
	stats.TotalUniqueViewersAll = len(all)

	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i].Viewers != sizes[j].Viewers {
			return sizes[i].Viewers > sizes[j].Viewers
		}
		return sizes[i].Channel < sizes[j].Channel
	})
	if len(sizes) > 10 {
		sizes = sizes[:10]
	}
	stats.TopChannelsByViewers = sizes
	return stats
}

// QualityReport captures distribution diagnostics over current state.
type QualityReport struct {
	TotalChannels           int     `json:"total_channels"`
	TotalUniqueViewers      int     `json:"total_unique_viewers"`
	TotalSnapshots          int     `json:"total_snapshots"`
	AvgViewersPerChannel    float64 `json:"avg_viewers_per_channel"`
	MedianViewersPerChannel int     `json:"median_viewers_per_channel"`
	MaxViewersInChannel     int     `json:"max_viewers_in_channel"`
	MinViewersInChannel     int     `json:"min_viewers_in_channel"`
	AvgChannelsPerViewer    float64 `json:"avg_channels_per_viewer"`
	RepeatViewers2Plus      int     `json:"repeat_viewers_2plus"`
	RepeatViewers3Plus      int     `json:"repeat_viewers_3plus"`
	OneOffViewers           int     `json:"one_off_viewers"`
	OneOffPercentage        float64 `json:"one_off_percentage"`
}

// QualityReport computes data quality diagnostics. Zero channels yields zero
// values, never a division error.
func (a *Aggregator) QualityReport() QualityReport {
	report := QualityReport{
		TotalChannels:  len(a.viewers),
		TotalSnapshots: a.snapshots,
	}

	sizes := make([]int, 0, len(a.viewers))
	for _, set := range a.viewers {
		sizes = append(sizes, len(set))
	}
	if len(sizes) > 0 {
		sort.Ints(sizes)
		total := 0
		for _, n := range sizes {
			total += n
		}
		report.AvgViewersPerChannel = float64(total) / float64(len(sizes))
		report.MedianViewersPerChannel = sizes[len(sizes)/2]
		report.MinViewersInChannel = sizes[0]
		report.MaxViewersInChannel = sizes[len(sizes)-1]
	}

	userChannels := a.UserChannelMap()
	report.TotalUniqueViewers = len(userChannels)
	if len(userChannels) > 0 {
		totalAppearances := 0
		for _, channels := range userChannels {
			n := len(channels)
			totalAppearances += n
			if n >= 2 {
				report.RepeatViewers2Plus++
			}
			if n >= 3 {
				report.RepeatViewers3Plus++
			}
			if n == 1 {
				report.OneOffViewers++
			}
		}
		report.AvgChannelsPerViewer = float64(totalAppearances) / float64(len(userChannels))
		report.OneOffPercentage = float64(report.OneOffViewers) / float64(len(userChannels)) * 100
	}
	return report
}
