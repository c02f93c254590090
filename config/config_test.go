package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ATLAS_CONFIG", "ATLAS_PRESET",
		"OVERLAP_THRESHOLD", "MIN_COMMUNITY_SIZE", "MIN_CHANNEL_VIEWERS", "RESOLUTION",
		"ANALYSIS_BACKEND", "GRAPH_STRATEGY", "LOG_LEVEL",
		"TWITCH_CHANNELS", "DB_DSN", "DATA_DIR", "VOD_DIR", "SERVER_ADDR", "ANALYZE_CRON",
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_BOT_USERNAME", "TWITCH_OAUTH_TOKEN",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Analysis.OverlapThreshold != 1 {
		t.Errorf("overlap threshold = %d, want 1", cfg.Analysis.OverlapThreshold)
	}
	if cfg.Analysis.Resolution != 1.0 {
		t.Errorf("resolution = %v, want 1.0", cfg.Analysis.Resolution)
	}
	if cfg.Analysis.Backend != "louvain" || cfg.Analysis.Strategy != "pairwise" {
		t.Errorf("backend/strategy = %s/%s", cfg.Analysis.Backend, cfg.Analysis.Strategy)
	}
	if cfg.DataDir != "data" || cfg.ServerAddr != ":8080" {
		t.Errorf("data dir %q addr %q", cfg.DataDir, cfg.ServerAddr)
	}
	if cfg.DBDsn == "" {
		t.Error("expected default postgres dsn")
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("log level = %q, want INFO", cfg.LogLevel)
	}
}

func TestPresetProfiles(t *testing.T) {
	rigorous, err := Preset("rigorous")
	if err != nil {
		t.Fatal(err)
	}
	if rigorous.Analysis.OverlapThreshold != 300 ||
		rigorous.Analysis.MinCommunitySize != 10 ||
		rigorous.Analysis.MinChannelViewers != 10 {
		t.Errorf("rigorous analysis = %+v", rigorous.Analysis)
	}

	exploratory, err := Preset("exploratory")
	if err != nil {
		t.Fatal(err)
	}
	if exploratory.Analysis.Resolution != 2.0 || exploratory.LogLevel != "DEBUG" || !exploratory.Verbose {
		t.Errorf("exploratory = %+v", exploratory)
	}

	debug, err := Preset("debug")
	if err != nil {
		t.Fatal(err)
	}
	if debug.Collection.TopChannelsLimit != 100 || debug.Collection.BatchSize != 10 {
		t.Errorf("debug collection = %+v", debug.Collection)
	}

	if _, err := Preset("leidenish"); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestLoadRejectsUnknownPreset(t *testing.T) {
	clearEnv(t)
	t.Setenv("ATLAS_PRESET", "bogus")
	if _, err := Load(); err == nil {
		t.Error("expected Load to fail on unknown preset")
	}
}

func TestEnvOverridesPreset(t *testing.T) {
	clearEnv(t)
	t.Setenv("ATLAS_PRESET", "rigorous")
	t.Setenv("OVERLAP_THRESHOLD", "42")
	t.Setenv("RESOLUTION", "0.25")
	t.Setenv("MIN_COMMUNITY_SIZE", "3")
	t.Setenv("MIN_CHANNEL_VIEWERS", "7")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TWITCH_CHANNELS", "Foo, bar ,BAZ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Analysis.OverlapThreshold != 42 || cfg.Analysis.Resolution != 0.25 {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	if cfg.Analysis.MinCommunitySize != 3 || cfg.Analysis.MinChannelViewers != 7 {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if want := []string{"foo", "bar", "baz"}; !reflect.DeepEqual(cfg.TwitchChannels, want) {
		t.Errorf("channels = %v, want %v", cfg.TwitchChannels, want)
	}
}

func TestEnvOverrideParseError(t *testing.T) {
	clearEnv(t)
	t.Setenv("OVERLAP_THRESHOLD", "many")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric OVERLAP_THRESHOLD")
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "atlas.yaml")
	body := `log_level: WARNING
data_dir: /srv/atlas
analysis:
  overlap_threshold: 5
  min_community_size: 2
collection:
  batch_size: 25
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ATLAS_CONFIG", path)
	t.Setenv("RESOLUTION", "3.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Analysis.OverlapThreshold != 5 || cfg.Analysis.MinCommunitySize != 2 {
		t.Errorf("analysis from file = %+v", cfg.Analysis)
	}
	if cfg.Analysis.Resolution != 3.5 {
		t.Errorf("env should override file: resolution = %v", cfg.Analysis.Resolution)
	}
	if cfg.Collection.BatchSize != 25 || cfg.Collection.TopChannelsLimit != 5000 {
		t.Errorf("collection = %+v, file keys should merge over defaults", cfg.Collection)
	}
	if cfg.DataDir != "/srv/atlas" || cfg.LogLevel != "WARNING" {
		t.Errorf("data dir %q log level %q", cfg.DataDir, cfg.LogLevel)
	}
}

func TestLoadFileMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv("ATLAS_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		field  string
		mutate func(*Config)
	}{
		{"analysis.overlap_threshold", func(c *Config) { c.Analysis.OverlapThreshold = -1 }},
		{"analysis.resolution", func(c *Config) { c.Analysis.Resolution = 0 }},
		{"analysis.min_community_size", func(c *Config) { c.Analysis.MinCommunitySize = 0 }},
		{"analysis.min_channel_viewers", func(c *Config) { c.Analysis.MinChannelViewers = -1 }},
		{"analysis.min_user_appearances", func(c *Config) { c.Analysis.MinUserAppearances = 0 }},
		{"analysis.backend", func(c *Config) { c.Analysis.Backend = "leiden" }},
		{"analysis.strategy", func(c *Config) { c.Analysis.Strategy = "quantum" }},
		{"collection.batch_size", func(c *Config) { c.Collection.BatchSize = 0 }},
		{"collection.window_seconds", func(c *Config) { c.Collection.WindowSeconds = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)

			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestValidateHelixReady(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateHelixReady(); err != nil {
		t.Errorf("expected valid helix config, got %v", err)
	}

	if err := os.Unsetenv("TWITCH_CLIENT_SECRET"); err != nil {
		t.Fatalf("failed to unset TWITCH_CLIENT_SECRET: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateHelixReady(); err == nil {
		t.Error("expected error when missing twitch envs")
	}
}
