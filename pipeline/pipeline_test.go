package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/viewer-atlas/config"
	"github.com/onnwee/viewer-atlas/presence"
	"github.com/onnwee/viewer-atlas/store"
	"github.com/onnwee/viewer-atlas/tagger"
	"github.com/onnwee/viewer-atlas/telemetry"
	"github.com/onnwee/viewer-atlas/testutil"
)

// seedSnapshots inserts six channels forming two audience clusters at
// overlap threshold 2: alpha/bravo/delta share viewers pairwise, echo and
// foxtrot share two, and charlie overlaps nothing by more than one viewer.
func seedSnapshots(t *testing.T, dbx *sql.DB) {
	t.Helper()
	snaps := []presence.Snapshot{
		{Channel: "alpha", Source: "live", Chatters: []string{"alice", "bob", "carol", "dave", "eve"},
			Meta: &presence.Metadata{GameName: "Chess", Language: "en", ViewerCount: 900}},
		{Channel: "bravo", Source: "live", Chatters: []string{"alice", "bob", "carol", "frank", "grace"},
			Meta: &presence.Metadata{GameName: "Chess", Language: "en", ViewerCount: 700}},
		{Channel: "delta", Source: "live", Chatters: []string{"alice", "eve", "frank", "grace", "kate", "leo"},
			Meta: &presence.Metadata{GameName: "Chess", Language: "en", ViewerCount: 650}},
		{Channel: "charlie", Source: "live", Chatters: []string{"dave", "hank", "iris", "jose"},
			Meta: &presence.Metadata{GameName: "Art", Language: "de", ViewerCount: 150}},
		{Channel: "echo", Source: "live", Chatters: []string{"zara", "yolanda", "walt"},
			Meta: &presence.Metadata{GameName: "Music", Language: "fr", ViewerCount: 40}},
		{Channel: "foxtrot", Source: "live", Chatters: []string{"zara", "yolanda", "victor"},
			Meta: &presence.Metadata{GameName: "Music", Language: "fr", ViewerCount: 35}},
	}
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, s := range snaps {
		if err := store.InsertSnapshot(context.Background(), dbx, s, at.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("insert snapshot %s: %v", s.Channel, err)
		}
	}
}

// testConfig keeps artifacts inside the test's temp dir and drops the weak
// alpha-charlie overlap (weight 1) so the cluster boundary is unambiguous.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Analysis.OutputDir = filepath.Join(cfg.DataDir, "graphs")
	cfg.Analysis.OverlapThreshold = 2
	return cfg
}

func TestRunCompletesAndPersists(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()
	seedSnapshots(t, dbx)
	cfg := testConfig(t)

	res, err := New(dbx, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("empty run id")
	}
	if res.FailedStage != "" {
		t.Fatalf("FailedStage = %q on successful run", res.FailedStage)
	}

	if got := res.Stats.Aggregator.TotalSnapshots; got != 6 {
		t.Errorf("aggregator snapshots = %d, want 6", got)
	}
	if got := res.Stats.Graph.NumNodes; got != 6 {
		t.Errorf("graph nodes = %d, want 6", got)
	}
	if got := res.Stats.Graph.NumEdges; got != 4 {
		t.Errorf("graph edges = %d, want 4 at threshold 2", got)
	}
	if got := res.Stats.Detection.NumCommunities; got != 3 {
		t.Errorf("communities = %d, want 3", got)
	}

	if len(res.Partition) != 6 {
		t.Fatalf("partition covers %d channels, want 6", len(res.Partition))
	}
	cluster := res.Partition["alpha"]
	if res.Partition["bravo"] != cluster || res.Partition["delta"] != cluster {
		t.Errorf("alpha, bravo, delta split across communities: %v", res.Partition)
	}
	if res.Partition["echo"] != res.Partition["foxtrot"] {
		t.Errorf("echo and foxtrot split across communities: %v", res.Partition)
	}
	if res.Partition["charlie"] == cluster || res.Partition["echo"] == cluster {
		t.Errorf("distinct cluster merged into chess cluster: %v", res.Partition)
	}

	if len(res.Communities) != 3 {
		t.Fatalf("reported communities = %d, want 3", len(res.Communities))
	}
	top := res.Communities[0]
	if top.Size != 3 || strings.Join(top.Members, ",") != "alpha,bravo,delta" {
		t.Errorf("largest community = %+v, want alpha,bravo,delta", top)
	}
	if top.Label != "Chess" {
		t.Errorf("cluster label = %q, want Chess", top.Label)
	}
	if got := res.Labels[res.Partition["echo"]]; got != "Music" {
		t.Errorf("echo cluster label = %q, want Music", got)
	}
	if got := res.Labels[res.Partition["charlie"]]; got != "Art" {
		t.Errorf("charlie label = %q, want Art", got)
	}

	run, err := store.GetAnalysisRun(context.Background(), dbx, res.RunID)
	if err != nil {
		t.Fatalf("GetAnalysisRun: %v", err)
	}
	if run == nil || run.Status != store.RunStatusCompleted {
		t.Fatalf("run row = %+v, want completed", run)
	}
	if run.ChannelCount != 6 || run.CommunityCount != 3 {
		t.Errorf("run counts = %d channels / %d communities, want 6 / 3",
			run.ChannelCount, run.CommunityCount)
	}
	if run.Modularity <= 0 {
		t.Errorf("modularity = %v, want > 0", run.Modularity)
	}
	var echoed RunConfig
	if err := json.Unmarshal(run.Config, &echoed); err != nil {
		t.Fatalf("unmarshal run config: %v", err)
	}
	if echoed.OverlapThreshold != 2 || echoed.Backend != "louvain" {
		t.Errorf("config echo = %+v", echoed)
	}

	matches, err := filepath.Glob(filepath.Join(cfg.DataDir, "results_*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("results artifacts = %v (err %v), want exactly one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read results artifact: %v", err)
	}
	var saved Result
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("unmarshal results artifact: %v", err)
	}
	if saved.RunID != res.RunID || len(saved.Partition) != 6 {
		t.Errorf("artifact run %s with %d partition entries, want %s with 6",
			saved.RunID, len(saved.Partition), res.RunID)
	}

	edges, err := os.ReadFile(filepath.Join(cfg.Analysis.OutputDir, "graph_edges.csv"))
	if err != nil {
		t.Fatalf("read graph_edges.csv: %v", err)
	}
	if !strings.HasPrefix(string(edges), "source,target,weight\n") {
		t.Errorf("edges csv header = %q", strings.SplitN(string(edges), "\n", 2)[0])
	}
	if !strings.Contains(string(edges), "alpha,bravo,3") || !strings.Contains(string(edges), "echo,foxtrot,2") {
		t.Errorf("edges csv missing expected rows:\n%s", edges)
	}
	if _, err := os.Stat(filepath.Join(cfg.Analysis.OutputDir, "graph_nodes.csv")); err != nil {
		t.Errorf("graph_nodes.csv: %v", err)
	}
}

func TestRunEmptyStoreCompletes(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()
	cfg := testConfig(t)
	cfg.Analysis.ExportGraphCSV = false
	cfg.Analysis.SaveAnalysisJSON = false

	res, err := New(dbx, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run on empty store: %v", err)
	}
	if res.Stats.Aggregator.TotalSnapshots != 0 || res.Stats.Graph.NumNodes != 0 {
		t.Errorf("stats = %+v, want all-zero", res.Stats)
	}
	if len(res.Partition) != 0 || len(res.Communities) != 0 {
		t.Errorf("empty store produced partition %v communities %v", res.Partition, res.Communities)
	}

	run, err := store.GetAnalysisRun(context.Background(), dbx, res.RunID)
	if err != nil {
		t.Fatalf("GetAnalysisRun: %v", err)
	}
	if run == nil || run.Status != store.RunStatusCompleted {
		t.Fatalf("run row = %+v, want completed", run)
	}
	if run.ChannelCount != 0 || run.CommunityCount != 0 {
		t.Errorf("run counts = %d / %d, want 0 / 0", run.ChannelCount, run.CommunityCount)
	}
}

func TestRunRecordsFailedStage(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()
	seedSnapshots(t, dbx)
	cfg := testConfig(t)
	cfg.Analysis.Backend = "walktrap"

	res, err := New(dbx, cfg).Run(context.Background())
	if err == nil {
		t.Fatal("expected error for unavailable backend")
	}
	if !strings.Contains(err.Error(), "detect stage") {
		t.Errorf("error = %v, want detect stage prefix", err)
	}
	if res.FailedStage != StageDetect {
		t.Errorf("FailedStage = %q, want %q", res.FailedStage, StageDetect)
	}
	if res.Stats.Aggregator == nil || res.Stats.Graph == nil {
		t.Error("statistics from completed stages were dropped")
	}
	if res.Stats.Detection != nil {
		t.Errorf("detection stats = %+v on failed detect", res.Stats.Detection)
	}

	run, err := store.GetAnalysisRun(context.Background(), dbx, res.RunID)
	if err != nil {
		t.Fatalf("GetAnalysisRun: %v", err)
	}
	if run == nil || run.Status != store.RunStatusFailed {
		t.Fatalf("run row = %+v, want failed", run)
	}
	if run.FailedStage != StageDetect || !strings.Contains(run.Error, "walktrap") {
		t.Errorf("run failure = %q / %q", run.FailedStage, run.Error)
	}
	var persisted Stats
	if err := json.Unmarshal(run.Stats, &persisted); err != nil {
		t.Fatalf("unmarshal persisted stats: %v", err)
	}
	if persisted.Graph == nil || persisted.Graph.NumNodes != 6 {
		t.Errorf("persisted stats missing graph stage: %+v", persisted)
	}
}

func TestRunMinCommunitySizeLimitsReport(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()
	seedSnapshots(t, dbx)
	cfg := testConfig(t)
	cfg.Analysis.MinCommunitySize = 2
	cfg.Analysis.ExportGraphCSV = false
	cfg.Analysis.SaveAnalysisJSON = false

	res, err := New(dbx, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Stats.Detection.NumCommunities; got != 3 {
		t.Errorf("detected communities = %d, want 3 before reporting filter", got)
	}
	if len(res.Communities) != 2 || len(res.Labels) != 2 {
		t.Fatalf("reported %d communities / %d labels, want 2 / 2",
			len(res.Communities), len(res.Labels))
	}
	if res.Communities[0].Size != 3 || res.Communities[1].Size != 2 {
		t.Errorf("reported sizes = %d, %d, want 3, 2",
			res.Communities[0].Size, res.Communities[1].Size)
	}
	if len(res.Partition) != 6 {
		t.Errorf("partition covers %d channels, want all 6", len(res.Partition))
	}
}

func TestBuildReportOrdersBySizeThenID(t *testing.T) {
	communities := map[int][]string{
		5: {"x", "y"},
		2: {"b", "c"},
		7: {"m", "n", "o"},
	}
	labels := map[int]string{5: "Five", 2: "Two", 7: "Seven"}

	out := buildReport(communities, labels, tagger.New())
	if len(out) != 3 {
		t.Fatalf("report length = %d, want 3", len(out))
	}
	if out[0].ID != 7 || out[1].ID != 2 || out[2].ID != 5 {
		t.Errorf("report order = %d,%d,%d, want 7,2,5", out[0].ID, out[1].ID, out[2].ID)
	}
	if out[0].Label != "Seven" || out[0].Size != 3 {
		t.Errorf("top entry = %+v", out[0])
	}
}
