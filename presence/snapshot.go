// Package presence accumulates chat presence snapshots into per-channel
// viewer sets and channel metadata, the inputs for audience overlap analysis.
// Records arrive from heterogeneous collectors (live chat, VOD chat imports,
// archived JSON), so ingestion normalizes field names through an explicit
// alias table and folds channels and usernames to lowercase.
package presence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingChannel marks a record that carries no channel login. Callers
// ingesting batches should count and skip these rather than abort.
var ErrMissingChannel = errors.New("missing channel login")

// Metadata is the normalized per-channel stream metadata carried by a
// snapshot. The most recently ingested snapshot wins; ingestion order, not
// timestamp comparison, defines "latest".
type Metadata struct {
	ViewerCount int    `json:"viewer_count"`
	GameName    string `json:"game_name"`
	Title       string `json:"title"`
	StartedAt   string `json:"started_at"`
	Language    string `json:"language,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Snapshot is one immutable observation window for one channel: which
// usernames were seen chatting, plus stream metadata when the collector had
// it. Meta is nil when the record carried no metadata fields at all.
type Snapshot struct {
	Channel   string    `json:"channel"`
	SessionID string    `json:"session_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Chatters  []string  `json:"chatters"`
	Meta      *Metadata `json:"metadata,omitempty"`
}

// fieldAliases maps each canonical record field to the keys that may carry
// it, in lookup priority order. Consulted at ingestion time so collectors
// with older field names keep working.
var fieldAliases = map[string][]string{
	"channel":      {"channel", "channel_login"},
	"viewer_count": {"viewer_count", "viewers"},
	"game_name":    {"game_name", "game"},
	"started_at":   {"started_at", "uptime"},
	"source":       {"_source", "source"},
	"session_id":   {"session_id", "vod_id"},
}

func lookupField(record map[string]any, canonical string) (any, bool) {
	keys, ok := fieldAliases[canonical]
	if !ok {
		keys = []string{canonical}
	}
	for _, k := range keys {
		if v, ok := record[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(record map[string]any, canonical string) (string, bool) {
	v, ok := lookupField(record, canonical)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intField tolerates the numeric shapes JSON and CSV loaders produce.
func intField(record map[string]any, canonical string) (int, bool) {
	v, ok := lookupField(record, canonical)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// DecodeSnapshot normalizes a loosely typed record into a Snapshot.
// defaultSource is used when the record does not name its own provenance.
// Records without a channel login fail with ErrMissingChannel.
func DecodeSnapshot(record map[string]any, defaultSource string) (Snapshot, error) {
	channel, _ := stringField(record, "channel")
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return Snapshot{}, ErrMissingChannel
	}

	s := Snapshot{Channel: channel}

	if src, ok := stringField(record, "source"); ok && src != "" {
		s.Source = src
	} else {
		s.Source = defaultSource
	}
	if sid, ok := stringField(record, "session_id"); ok {
		s.SessionID = sid
	}

	chatters, err := decodeChatters(record["chatters"])
	if err != nil {
		return Snapshot{}, fmt.Errorf("channel %s: %w", channel, err)
	}
	s.Chatters = chatters

	s.Meta = decodeMetadata(record)
	return s, nil
}

func decodeChatters(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		out := make([]string, 0, len(list))
		for _, c := range list {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				out = append(out, c)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			c, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("chatter entry %T is not a string", item)
			}
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				out = append(out, c)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("chatters field %T is not a list", v)
	}
}

// decodeMetadata returns nil when the record carried no metadata fields, so
// downstream filters can distinguish "no metadata" from zero values.
func decodeMetadata(record map[string]any) *Metadata {
	var meta Metadata
	found := false

	if n, ok := intField(record, "viewer_count"); ok {
		meta.ViewerCount = n
		found = true
	}
	if s, ok := stringField(record, "game_name"); ok {
		meta.GameName = s
		found = true
	}
	if s, ok := stringField(record, "title"); ok {
		meta.Title = s
		found = true
	}
	if s, ok := stringField(record, "started_at"); ok {
		meta.StartedAt = s
		found = true
	}
	if s, ok := stringField(record, "language"); ok {
		meta.Language = s
		found = true
	}
	if s, ok := stringField(record, "timestamp"); ok {
		meta.Timestamp = s
		found = true
	}
	if !found {
		return nil
	}
	if meta.GameName == "" {
		meta.GameName = "Unknown"
	}
	return &meta
}
