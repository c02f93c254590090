// Package collector gathers chat presence: live windows over Twitch IRC and
// imports of downloaded VOD chat, both persisted as presence snapshots.
package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/viewer-atlas/config"
	"github.com/onnwee/viewer-atlas/presence"
	"github.com/onnwee/viewer-atlas/store"
	"github.com/onnwee/viewer-atlas/telemetry"
	"github.com/onnwee/viewer-atlas/twitchapi"
)

const dayLayout = "2006-01-02"

// maxDiscoveryJoins caps auto-discovered watch lists; IRC join rate limits
// make larger lists impractical for a single connection.
const maxDiscoveryJoins = 500

// Collector accumulates distinct chatter logins per channel per window and
// persists one snapshot per active channel when the window closes. A daily
// marker per (source, channel) keeps it to one snapshot per channel per UTC
// day.
type Collector struct {
	db       *sql.DB
	helix    *twitchapi.Client
	channels []string
	topLimit int
	window   time.Duration
	username string
	oauth    string
	log      *slog.Logger

	mu       sync.Mutex
	chatters map[string]map[string]struct{}
}

// New builds a collector from the runtime configuration. The helix client is
// optional; without it snapshots carry no stream metadata and auto-discovery
// is unavailable.
func New(dbx *sql.DB, helix *twitchapi.Client, cfg config.Config) *Collector {
	window := time.Duration(cfg.Collection.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return &Collector{
		db:       dbx,
		helix:    helix,
		channels: cfg.TwitchChannels,
		topLimit: cfg.Collection.TopChannelsLimit,
		window:   window,
		username: cfg.TwitchBotUsername,
		oauth:    cfg.TwitchOAuthToken,
		log:      slog.With(slog.String("component", "collector")),
		chatters: make(map[string]map[string]struct{}),
	}
}

// Run joins the watch list over IRC and flushes windows until ctx ends. It
// returns nil on a context-driven shutdown after draining the last window.
func (c *Collector) Run(ctx context.Context) error {
	channels, err := c.watchList(ctx)
	if err != nil {
		return err
	}

	var client *twitch.Client
	if c.username != "" && c.oauth != "" {
		client = twitch.NewClient(c.username, c.oauth)
	} else {
		client = twitch.NewAnonymousClient()
	}

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c.observe(strings.ToLower(msg.Channel), strings.ToLower(msg.User.Name))
	})

	go func() {
		ticker := time.NewTicker(c.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.flush(ctx, now.UTC())
			}
		}
	}()

	client.Join(channels...)
	telemetry.ChannelsTracked.Set(float64(len(channels)))
	c.log.Info("collector joining channels",
		slog.Int("channels", len(channels)),
		slog.Duration("window", c.window),
		slog.Bool("anonymous", c.username == "" || c.oauth == ""))

	errc := make(chan error, 1)
	go func() { errc <- client.Connect() }()

	select {
	case <-ctx.Done():
		if err := client.Disconnect(); err != nil {
			c.log.Warn("twitch chat disconnect", slog.Any("err", err))
		}
		<-errc
		// Persist whatever the open window accumulated before stopping.
		c.flush(context.WithoutCancel(ctx), time.Now().UTC())
		return nil
	case err := <-errc:
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			return fmt.Errorf("twitch chat connect: %w", err)
		}
		return nil
	}
}

// watchList resolves the channels to join: the configured list, or the top
// streams by viewers when none are configured.
func (c *Collector) watchList(ctx context.Context) ([]string, error) {
	if len(c.channels) > 0 {
		return normalizeChannels(c.channels), nil
	}
	if c.helix == nil {
		return nil, errors.New("no channels configured and no helix client for discovery")
	}

	limit := c.topLimit
	if limit <= 0 || limit > maxDiscoveryJoins {
		limit = maxDiscoveryJoins
	}
	streams, err := c.helix.TopStreams(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("discover top streams: %w", err)
	}

	logins := make([]string, 0, len(streams))
	for _, s := range streams {
		logins = append(logins, s.UserLogin)
	}
	channels := normalizeChannels(logins)
	if len(channels) == 0 {
		return nil, errors.New("top stream discovery returned no channels")
	}
	return channels, nil
}

func normalizeChannels(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, ch := range in {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func (c *Collector) observe(channel, user string) {
	if channel == "" || user == "" {
		return
	}
	c.mu.Lock()
	set, ok := c.chatters[channel]
	if !ok {
		set = make(map[string]struct{})
		c.chatters[channel] = set
	}
	set[user] = struct{}{}
	c.mu.Unlock()
}

// flush closes the current window: channels already persisted today are
// skipped, the rest get one snapshot each with stream metadata when Helix
// reports them live. Persistence errors are absorbed per channel.
func (c *Collector) flush(ctx context.Context, now time.Time) {
	c.mu.Lock()
	window := c.chatters
	c.chatters = make(map[string]map[string]struct{})
	c.mu.Unlock()

	if len(window) == 0 {
		return
	}

	day := now.Format(dayLayout)
	channels := make([]string, 0, len(window))
	for ch := range window {
		marked, err := store.GetKV(ctx, c.db, dailyKey("live", ch))
		if err != nil {
			c.log.Warn("daily marker lookup failed", slog.String("channel", ch), slog.Any("err", err))
		}
		if marked == day {
			continue
		}
		channels = append(channels, ch)
	}
	telemetry.CollectorWindows.Inc()
	if len(channels) == 0 {
		return
	}
	sort.Strings(channels)

	meta := make(map[string]twitchapi.Stream, len(channels))
	if c.helix != nil {
		streams, err := c.helix.GetStreams(ctx, channels...)
		if err != nil {
			c.log.Warn("stream metadata fetch failed; persisting snapshots without metadata", slog.Any("err", err))
		}
		for _, s := range streams {
			meta[strings.ToLower(s.UserLogin)] = s
		}
	}

	persisted := 0
	for _, ch := range channels {
		users := window[ch]
		chatters := make([]string, 0, len(users))
		for u := range users {
			chatters = append(chatters, u)
		}
		sort.Strings(chatters)

		snap := presence.Snapshot{Channel: ch, Source: "live", Chatters: chatters}
		if s, ok := meta[ch]; ok {
			snap.Meta = &presence.Metadata{
				ViewerCount: s.ViewerCount,
				GameName:    s.GameName,
				Title:       s.Title,
				Language:    s.Language,
				StartedAt:   s.StartedAt,
				Timestamp:   now.Format(time.RFC3339),
			}
		}

		if err := store.InsertSnapshot(ctx, c.db, snap, now); err != nil {
			c.log.Error("persist snapshot", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		if err := store.SetKV(ctx, c.db, dailyKey("live", ch), day); err != nil {
			c.log.Warn("daily marker write failed", slog.String("channel", ch), slog.Any("err", err))
		}
		telemetry.SnapshotsIngested.WithLabelValues("live").Inc()
		persisted++
	}

	c.log.Info("collection window closed",
		slog.Int("channels_active", len(window)),
		slog.Int("snapshots", persisted))
}

// dailyKey is the kv marker recording that source/channel was persisted on a
// given UTC day. Markers older than the retention window are pruned by the
// scheduler.
func dailyKey(source, channel string) string {
	return "daily_collection:" + source + ":" + channel
}
