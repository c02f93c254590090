package collector

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/viewer-atlas/presence"
	"github.com/onnwee/viewer-atlas/store"
	"github.com/onnwee/viewer-atlas/telemetry"
)

// VODImport summarizes one processed chat export.
type VODImport struct {
	Channel         string `json:"channel"`
	VODID           string `json:"vod_id"`
	Snapshots       int    `json:"snapshots"`
	Skipped         int    `json:"skipped"`
	AlreadyImported bool   `json:"already_imported,omitempty"`
}

// vodExport is the TwitchDownloaderCLI chat export envelope. Only the fields
// needed for channel attribution and bucketing are decoded.
type vodExport struct {
	Video struct {
		ID        any    `json:"id"`
		UserLogin string `json:"user_login"`
		UserName  string `json:"user_name"`
	} `json:"video"`
	Streamer struct {
		Name  string `json:"name"`
		Login string `json:"login"`
	} `json:"streamer"`
	Comments []vodComment `json:"comments"`
}

type vodComment struct {
	Commenter struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"commenter"`
	OffsetSeconds float64 `json:"content_offset_seconds"`
}

func (m vodComment) login() string {
	if m.Commenter.Login != "" {
		return m.Commenter.Login
	}
	return m.Commenter.Name
}

func (d vodExport) channelLogin() string {
	for _, s := range []string{d.Video.UserLogin, d.Video.UserName, d.Streamer.Login, d.Streamer.Name} {
		if s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}

func (d vodExport) vodID() string {
	switch id := d.Video.ID.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// ParseVODChat buckets a chat export's messages into fixed windows and
// returns one snapshot per bucket with source "vod" and the VOD id as
// session id. Messages without a commenter login are skipped and counted,
// as are unparsable lines in line-delimited exports.
func ParseVODChat(data []byte, channel, vodID string, window time.Duration) ([]presence.Snapshot, int, error) {
	if window <= 0 {
		window = time.Minute
	}
	windowSeconds := int(window / time.Second)

	comments, skipped, err := decodeComments(data)
	if err != nil {
		return nil, skipped, err
	}

	buckets := make(map[int]map[string]struct{})
	for _, m := range comments {
		login := strings.ToLower(strings.TrimSpace(m.login()))
		if login == "" {
			skipped++
			continue
		}
		b := int(m.OffsetSeconds) / windowSeconds
		if b < 0 {
			b = 0
		}
		set, ok := buckets[b]
		if !ok {
			set = make(map[string]struct{})
			buckets[b] = set
		}
		set[login] = struct{}{}
	}

	ids := make([]int, 0, len(buckets))
	for id := range buckets {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	channel = strings.ToLower(channel)
	out := make([]presence.Snapshot, 0, len(ids))
	for _, id := range ids {
		set := buckets[id]
		chatters := make([]string, 0, len(set))
		for u := range set {
			chatters = append(chatters, u)
		}
		sort.Strings(chatters)
		out = append(out, presence.Snapshot{
			Channel:   channel,
			Source:    "vod",
			SessionID: vodID,
			Chatters:  chatters,
		})
	}
	return out, skipped, nil
}

// decodeComments accepts either the TwitchDownloaderCLI document shape or
// one message object per line. Unparsable lines are counted, not fatal.
func decodeComments(data []byte) ([]vodComment, int, error) {
	var doc vodExport
	docErr := json.Unmarshal(data, &doc)
	if docErr == nil && (len(doc.Comments) > 0 || doc.channelLogin() != "") {
		// A document export, possibly with no chat at all. A lone
		// line-delimited message also parses here but carries no
		// channel, so it falls through to the line scanner.
		return doc.Comments, 0, nil
	}

	var out []vodComment
	skipped := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	// Lines with embedded emote payloads can run long.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m vodComment
		if err := json.Unmarshal(line, &m); err != nil {
			skipped++
			continue
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan vod export: %w", err)
	}
	if len(out) > 0 {
		return out, skipped, nil
	}
	if docErr == nil {
		// A well-formed export with no chat at all.
		return nil, 0, nil
	}
	return nil, skipped, nil
}

// splitExportName derives channel and VOD id from the conventional export
// file name "<channel>_<vod id>.json".
func splitExportName(name string) (channel, vodID string, ok bool) {
	stem := strings.TrimSuffix(filepath.Base(name), ".json")
	i := strings.LastIndex(stem, "_")
	if i <= 0 || i == len(stem)-1 {
		return "", "", false
	}
	return strings.ToLower(stem[:i]), stem[i+1:], true
}

// exportIdentity resolves the channel and VOD id for an export, preferring
// the document's own fields over the file name.
func exportIdentity(path string, data []byte) (channel, vodID string, err error) {
	channel, vodID, _ = splitExportName(path)
	var doc vodExport
	if err := json.Unmarshal(data, &doc); err == nil {
		if ch := doc.channelLogin(); ch != "" {
			channel = ch
		}
		if id := doc.vodID(); id != "" {
			vodID = id
		}
	}
	if channel == "" || vodID == "" {
		return "", "", fmt.Errorf("vod export %s: cannot determine channel and vod id", filepath.Base(path))
	}
	return channel, vodID, nil
}

// PreviewVODFile parses a chat export without persisting anything, returning
// the channel, VOD id, and the counts an import of the file would produce.
func PreviewVODFile(path string, window time.Duration) (VODImport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VODImport{}, fmt.Errorf("read vod export: %w", err)
	}
	channel, vodID, err := exportIdentity(path, data)
	if err != nil {
		return VODImport{}, err
	}
	imp := VODImport{Channel: channel, VODID: vodID}
	snapshots, skipped, err := ParseVODChat(data, channel, vodID, window)
	if err != nil {
		return imp, err
	}
	imp.Snapshots = len(snapshots)
	imp.Skipped = skipped
	return imp, nil
}

// ImportVODFile parses one chat export and persists its snapshots. Channel
// and VOD id come from the document when present, the file name otherwise.
// A kv marker makes repeat imports no-ops; a failed import leaves no marker,
// so the next run retries the whole file and aggregation absorbs duplicates.
func ImportVODFile(ctx context.Context, dbx *sql.DB, path string, window time.Duration) (VODImport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VODImport{}, fmt.Errorf("read vod export: %w", err)
	}

	channel, vodID, err := exportIdentity(path, data)
	if err != nil {
		return VODImport{}, err
	}
	imp := VODImport{Channel: channel, VODID: vodID}

	marker := "vod_import:" + vodID
	prev, err := store.GetKV(ctx, dbx, marker)
	if err != nil {
		return imp, err
	}
	if prev != "" {
		imp.AlreadyImported = true
		slog.Info("vod already imported; skipping",
			slog.String("component", "vod_import"),
			slog.String("vod_id", vodID))
		return imp, nil
	}

	snapshots, skipped, err := ParseVODChat(data, channel, vodID, window)
	if err != nil {
		return imp, err
	}
	imp.Skipped = skipped
	if skipped > 0 {
		telemetry.RecordsSkipped.Add(float64(skipped))
	}
	if len(snapshots) == 0 {
		slog.Warn("vod export produced no snapshots",
			slog.String("component", "vod_import"),
			slog.String("vod_id", vodID),
			slog.Int("skipped", skipped))
		return imp, nil
	}

	now := time.Now().UTC()
	for _, snap := range snapshots {
		if err := store.InsertSnapshot(ctx, dbx, snap, now); err != nil {
			return imp, fmt.Errorf("persist vod snapshot: %w", err)
		}
		telemetry.SnapshotsIngested.WithLabelValues("vod").Inc()
		imp.Snapshots++
	}
	if err := store.SetKV(ctx, dbx, marker, now.Format(dayLayout)); err != nil {
		slog.Warn("vod import marker write failed",
			slog.String("component", "vod_import"),
			slog.String("vod_id", vodID),
			slog.Any("err", err))
	}

	slog.Info("imported vod chat",
		slog.String("component", "vod_import"),
		slog.String("channel", channel),
		slog.String("vod_id", vodID),
		slog.Int("snapshots", imp.Snapshots),
		slog.Int("skipped", skipped))
	return imp, nil
}

// ImportVODDir imports every .json chat export under dir. Per-file failures
// are logged and skipped so one bad export cannot block the batch.
func ImportVODDir(ctx context.Context, dbx *sql.DB, dir string, window time.Duration) ([]VODImport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read vod dir: %w", err)
	}

	var out []VODImport
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		imp, err := ImportVODFile(ctx, dbx, filepath.Join(dir, e.Name()), window)
		if err != nil {
			slog.Error("vod import failed",
				slog.String("component", "vod_import"),
				slog.String("file", e.Name()),
				slog.Any("err", err))
			continue
		}
		out = append(out, imp)
	}
	return out, nil
}
