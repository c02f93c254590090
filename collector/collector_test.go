package collector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/viewer-atlas/config"
	"github.com/onnwee/viewer-atlas/presence"
	"github.com/onnwee/viewer-atlas/store"
	"github.com/onnwee/viewer-atlas/telemetry"
	"github.com/onnwee/viewer-atlas/testutil"
)

func TestObserveAccumulatesDistinctChatters(t *testing.T) {
	c := &Collector{chatters: make(map[string]map[string]struct{})}

	c.observe("alpha", "ana")
	c.observe("alpha", "bob")
	c.observe("alpha", "ana")
	c.observe("beta", "cara")
	c.observe("", "ghost")
	c.observe("alpha", "")

	if got := len(c.chatters["alpha"]); got != 2 {
		t.Errorf("alpha chatters = %d, want 2", got)
	}
	if got := len(c.chatters["beta"]); got != 1 {
		t.Errorf("beta chatters = %d, want 1", got)
	}
	if len(c.chatters) != 2 {
		t.Errorf("channels with activity = %d, want 2", len(c.chatters))
	}
}

func TestWatchListPrefersConfiguredChannels(t *testing.T) {
	c := &Collector{channels: []string{" Alpha", "beta", "alpha", ""}}

	got, err := c.watchList(context.Background())
	if err != nil {
		t.Fatalf("watchList: %v", err)
	}
	if strings.Join(got, ",") != "alpha,beta" {
		t.Errorf("watchList = %v, want [alpha beta]", got)
	}
}

func TestWatchListDiscoversTopStreams(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockStreamsResponse([]map[string]interface{}{
		testutil.Stream("Alpha", "Chess", "en", 1200),
		testutil.Stream("beta", "Art", "de", 300),
		testutil.Stream("alpha", "Chess", "en", 1150),
	})

	c := &Collector{helix: mock.Client(), topLimit: 10}
	got, err := c.watchList(context.Background())
	if err != nil {
		t.Fatalf("watchList: %v", err)
	}
	if strings.Join(got, ",") != "alpha,beta" {
		t.Errorf("watchList = %v, want [alpha beta]", got)
	}
}

func TestWatchListRequiresSomeSource(t *testing.T) {
	c := &Collector{}
	if _, err := c.watchList(context.Background()); err == nil {
		t.Fatal("expected error with no channels and no helix client")
	}
}

func TestFlushPersistsWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()

	mock := testutil.NewMockTwitchServer(t)
	mock.MockStreamsResponse([]map[string]interface{}{
		testutil.Stream("alpha", "Chess", "en", 512),
	})

	c := New(dbx, mock.Client(), *config.Default())
	c.observe("alpha", "ana")
	c.observe("alpha", "bob")
	c.observe("beta", "cara")

	ctx := context.Background()
	day1 := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	c.flush(ctx, day1)

	snaps, err := store.LoadSnapshots(ctx, dbx, time.Time{})
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}

	byChannel := make(map[string]presence.Snapshot, len(snaps))
	for _, s := range snaps {
		byChannel[s.Channel] = s
	}

	alpha, ok := byChannel["alpha"]
	if !ok {
		t.Fatal("no snapshot for alpha")
	}
	if alpha.Source != "live" {
		t.Errorf("alpha source = %q, want live", alpha.Source)
	}
	if strings.Join(alpha.Chatters, ",") != "ana,bob" {
		t.Errorf("alpha chatters = %v, want [ana bob]", alpha.Chatters)
	}
	if alpha.Meta == nil {
		t.Fatal("alpha is live in the mock; snapshot should carry metadata")
	}
	if alpha.Meta.GameName != "Chess" || alpha.Meta.ViewerCount != 512 || alpha.Meta.Language != "en" {
		t.Errorf("alpha metadata = %+v", alpha.Meta)
	}

	beta, ok := byChannel["beta"]
	if !ok {
		t.Fatal("no snapshot for beta")
	}
	if beta.Meta != nil {
		t.Errorf("beta is offline in the mock; snapshot should have no metadata, got %+v", beta.Meta)
	}

	// The daily marker holds for the rest of the UTC day.
	c.observe("alpha", "dana")
	c.flush(ctx, day1.Add(time.Minute))
	snaps, err = store.LoadSnapshots(ctx, dbx, time.Time{})
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("snapshots after same-day flush = %d, want 2", len(snaps))
	}

	// A new UTC day resets it.
	c.observe("alpha", "dana")
	c.flush(ctx, day1.Add(24*time.Hour))
	snaps, err = store.LoadSnapshots(ctx, dbx, time.Time{})
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Errorf("snapshots after next-day flush = %d, want 3", len(snaps))
	}
}

func TestFlushEmptyWindowIsNoop(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()

	c := New(dbx, nil, *config.Default())
	c.flush(context.Background(), time.Now().UTC())

	snaps, err := store.LoadSnapshots(context.Background(), dbx, time.Time{})
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshots = %d, want 0", len(snaps))
	}
}

func TestNewDefaultsWindow(t *testing.T) {
	cfg := config.Default()
	cfg.Collection.WindowSeconds = 0

	c := New(nil, nil, *cfg)
	if c.window != time.Minute {
		t.Errorf("window = %v, want 1m fallback", c.window)
	}
}
