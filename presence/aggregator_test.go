package presence

import (
	"reflect"
	"sort"
	"testing"
)

func snapshotRecord(channel string, chatters ...string) map[string]any {
	list := make([]any, len(chatters))
	for i, c := range chatters {
		list[i] = c
	}
	return map[string]any{"channel": channel, "chatters": list}
}

func viewersOf(t *testing.T, sets map[string]ViewerSet, channel string) []string {
	t.Helper()
	set, ok := sets[channel]
	if !ok {
		t.Fatalf("channel %q missing from viewer sets", channel)
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func TestIngestNormalizesFieldAliases(t *testing.T) {
	tests := []struct {
		name   string
		record map[string]any
	}{
		{
			name: "canonical names",
			record: map[string]any{
				"channel": "StreamerA", "chatters": []any{"Alice", "BOB"},
				"viewer_count": float64(120), "game_name": "Valorant",
				"started_at": "2026-01-02T03:04:05Z",
			},
		},
		{
			name: "alias names",
			record: map[string]any{
				"channel_login": "StreamerA", "chatters": []any{"alice", "bob"},
				"viewers": 120, "game": "Valorant",
				"uptime": "2026-01-02T03:04:05Z",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			if !agg.Ingest(tt.record, "live") {
				t.Fatal("expected record to be ingested")
			}
			got := viewersOf(t, agg.ChannelViewers(), "streamera")
			if want := []string{"alice", "bob"}; !reflect.DeepEqual(got, want) {
				t.Errorf("viewers = %v, want %v", got, want)
			}
			meta, ok := agg.ChannelMetadata()["streamera"]
			if !ok {
				t.Fatal("expected metadata for streamera")
			}
			if meta.ViewerCount != 120 || meta.GameName != "Valorant" || meta.StartedAt != "2026-01-02T03:04:05Z" {
				t.Errorf("metadata = %+v", meta)
			}
		})
	}
}

func TestIngestSkipsAndCountsMalformedRecords(t *testing.T) {
	agg := NewAggregator()

	if agg.Ingest(map[string]any{"chatters": []any{"alice"}}, "live") {
		t.Error("record without channel should be skipped")
	}
	if agg.Ingest(map[string]any{"channel": "ok", "chatters": "not-a-list"}, "live") {
		t.Error("record with bad chatters should be skipped")
	}
	if !agg.Ingest(snapshotRecord("ok", "alice"), "live") {
		t.Error("valid record should still ingest after earlier failures")
	}

	if got := agg.SkippedRecords(); got != 2 {
		t.Errorf("SkippedRecords = %d, want 2", got)
	}
	if got := agg.Statistics().TotalChannels; got != 1 {
		t.Errorf("TotalChannels = %d, want 1", got)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	agg := NewAggregator()
	rec := map[string]any{
		"channel":      "streamer_a",
		"chatters":     []any{"alice", "bob", "carol"},
		"viewer_count": float64(50),
		"game_name":    "Chess",
	}
	agg.Ingest(rec, "live")
	before := agg.ChannelViewers()

	agg.Ingest(rec, "live")
	after := agg.ChannelViewers()

	if !reflect.DeepEqual(before, after) {
		t.Errorf("re-ingesting identical snapshot changed viewer sets: %v vs %v", before, after)
	}
	if got := agg.Statistics().TotalSnapshots; got != 2 {
		t.Errorf("TotalSnapshots = %d, want 2", got)
	}
}

func TestMetadataIngestionOrderWins(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(map[string]any{
		"channel": "a", "chatters": []any{}, "game_name": "Valorant", "viewer_count": 10,
	}, "live")
	agg.Ingest(map[string]any{
		"channel": "a", "chatters": []any{}, "game_name": "Chess", "viewer_count": 5,
	}, "live")

	meta := agg.ChannelMetadata()["a"]
	if meta.GameName != "Chess" || meta.ViewerCount != 5 {
		t.Errorf("latest metadata = %+v, want the later snapshot's fields", meta)
	}
}

func TestChannelViewersReturnsCopy(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(snapshotRecord("a", "alice"), "live")

	snapshot := agg.ChannelViewers()
	snapshot["a"]["mallory"] = struct{}{}
	snapshot["b"] = ViewerSet{"intruder": {}}

	fresh := agg.ChannelViewers()
	if _, ok := fresh["a"]["mallory"]; ok {
		t.Error("mutating a returned viewer set leaked into aggregator state")
	}
	if _, ok := fresh["b"]; ok {
		t.Error("adding a channel to the returned map leaked into aggregator state")
	}
}

func TestFilterBySize(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(snapshotRecord("big", "u1", "u2", "u3"), "live")
	agg.Ingest(snapshotRecord("small", "u1"), "live")

	filtered := agg.FilterBySize(2)
	if _, ok := filtered["big"]; !ok {
		t.Error("big should pass the size filter")
	}
	if _, ok := filtered["small"]; ok {
		t.Error("small should be dropped by the size filter")
	}
}

func TestFilterByMetadata(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(map[string]any{
		"channel": "popular", "chatters": []any{"a"}, "viewer_count": 500, "game_name": "Valorant",
	}, "live")
	agg.Ingest(map[string]any{
		"channel": "tiny", "chatters": []any{"b"}, "viewer_count": 2, "game_name": "Valorant",
	}, "live")
	agg.Ingest(map[string]any{
		"channel": "slots", "chatters": []any{"c"}, "viewer_count": 900, "game_name": "Slots & Casino",
	}, "live")
	// No metadata at all: must pass the filter.
	agg.Ingest(snapshotRecord("bare", "d"), "live")

	filtered := agg.FilterByMetadata(100, []string{"casino"})

	for _, want := range []string{"popular", "bare"} {
		if _, ok := filtered[want]; !ok {
			t.Errorf("%s should pass the metadata filter", want)
		}
	}
	for _, reject := range []string{"tiny", "slots"} {
		if _, ok := filtered[reject]; ok {
			t.Errorf("%s should be excluded by the metadata filter", reject)
		}
	}
}

func TestUserChannelMap(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(snapshotRecord("a", "alice", "bob"), "live")
	agg.Ingest(snapshotRecord("b", "alice"), "live")

	userChannels := agg.UserChannelMap()
	if got := len(userChannels["alice"]); got != 2 {
		t.Errorf("alice appears in %d channels, want 2", got)
	}
	if got := len(userChannels["bob"]); got != 1 {
		t.Errorf("bob appears in %d channels, want 1", got)
	}
}

func TestFilterByRepeatViewersDropsEmptyChannels(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(snapshotRecord("a", "shared", "only_a"), "live")
	agg.Ingest(snapshotRecord("b", "shared", "only_b"), "live")
	agg.Ingest(snapshotRecord("c", "only_c"), "live")

	filtered := agg.FilterByRepeatViewers(2)

	if got := viewersOf(t, filtered, "a"); !reflect.DeepEqual(got, []string{"shared"}) {
		t.Errorf("channel a viewers = %v, want [shared]", got)
	}
	if got := viewersOf(t, filtered, "b"); !reflect.DeepEqual(got, []string{"shared"}) {
		t.Errorf("channel b viewers = %v, want [shared]", got)
	}
	if _, ok := filtered["c"]; ok {
		t.Error("channel c has no repeat viewers and should be dropped")
	}
}

func TestStatisticsAndQualityReportOnEmptyAggregator(t *testing.T) {
	agg := NewAggregator()

	stats := agg.Statistics()
	if stats.TotalChannels != 0 || stats.TotalSnapshots != 0 || len(stats.TopChannelsByViewers) != 0 {
		t.Errorf("empty statistics = %+v", stats)
	}

	report := agg.QualityReport()
	if report.AvgViewersPerChannel != 0 || report.OneOffPercentage != 0 || report.AvgChannelsPerViewer != 0 {
		t.Errorf("empty quality report = %+v", report)
	}
}

func TestStatisticsCountsSources(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(snapshotRecord("a", "u1"), "live")
	agg.Ingest(map[string]any{"channel": "a", "chatters": []any{"u2"}, "_source": "vod"}, "live")
	agg.Ingest(snapshotRecord("b", "u1"), "vod")

	stats := agg.Statistics()
	if stats.SnapshotSources["live"] != 1 || stats.SnapshotSources["vod"] != 2 {
		t.Errorf("snapshot sources = %v, want live:1 vod:2", stats.SnapshotSources)
	}
	if stats.TotalViewersPerChannel != 3 {
		t.Errorf("TotalViewersPerChannel = %d, want 3", stats.TotalViewersPerChannel)
	}
	if stats.TotalUniqueViewersAll != 2 {
		t.Errorf("TotalUniqueViewersAll = %d, want 2", stats.TotalUniqueViewersAll)
	}
}

func TestQualityReportDistribution(t *testing.T) {
	agg := NewAggregator()
	agg.Ingest(snapshotRecord("a", "shared", "x1", "x2"), "live")
	agg.Ingest(snapshotRecord("b", "shared"), "live")

	report := agg.QualityReport()
	if report.TotalChannels != 2 {
		t.Errorf("TotalChannels = %d, want 2", report.TotalChannels)
	}
	if report.TotalUniqueViewers != 3 {
		t.Errorf("TotalUniqueViewers = %d, want 3", report.TotalUniqueViewers)
	}
	if report.MaxViewersInChannel != 3 || report.MinViewersInChannel != 1 {
		t.Errorf("max/min = %d/%d, want 3/1", report.MaxViewersInChannel, report.MinViewersInChannel)
	}
	if report.RepeatViewers2Plus != 1 {
		t.Errorf("RepeatViewers2Plus = %d, want 1", report.RepeatViewers2Plus)
	}
	if report.OneOffViewers != 2 {
		t.Errorf("OneOffViewers = %d, want 2", report.OneOffViewers)
	}
}
