package presence

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeSnapshotMissingChannel(t *testing.T) {
	_, err := DecodeSnapshot(map[string]any{"chatters": []any{"alice"}}, "live")
	if !errors.Is(err, ErrMissingChannel) {
		t.Fatalf("err = %v, want ErrMissingChannel", err)
	}
}

func TestDecodeSnapshotFoldsCase(t *testing.T) {
	snap, err := DecodeSnapshot(map[string]any{
		"channel":  "  StreamerA ",
		"chatters": []any{"Alice", " BOB ", ""},
	}, "live")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Channel != "streamera" {
		t.Errorf("channel = %q, want streamera", snap.Channel)
	}
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(snap.Chatters, want) {
		t.Errorf("chatters = %v, want %v", snap.Chatters, want)
	}
}

func TestDecodeSnapshotSourcePrecedence(t *testing.T) {
	tests := []struct {
		name   string
		record map[string]any
		want   string
	}{
		{"explicit _source", map[string]any{"channel": "a", "_source": "vod"}, "vod"},
		{"explicit source", map[string]any{"channel": "a", "source": "vod"}, "vod"},
		{"default applies", map[string]any{"channel": "a"}, "live"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := DecodeSnapshot(tt.record, "live")
			if err != nil {
				t.Fatal(err)
			}
			if snap.Source != tt.want {
				t.Errorf("source = %q, want %q", snap.Source, tt.want)
			}
		})
	}
}

func TestDecodeSnapshotSessionAliases(t *testing.T) {
	snap, err := DecodeSnapshot(map[string]any{"channel": "a", "vod_id": "12345"}, "vod")
	if err != nil {
		t.Fatal(err)
	}
	if snap.SessionID != "12345" {
		t.Errorf("session id = %q, want 12345", snap.SessionID)
	}
}

func TestDecodeSnapshotMetadataPresence(t *testing.T) {
	bare, err := DecodeSnapshot(map[string]any{"channel": "a", "chatters": []any{"x"}}, "live")
	if err != nil {
		t.Fatal(err)
	}
	if bare.Meta != nil {
		t.Errorf("record without metadata fields should decode with nil Meta, got %+v", bare.Meta)
	}

	withMeta, err := DecodeSnapshot(map[string]any{
		"channel": "a", "chatters": []any{"x"}, "title": "late night chess",
	}, "live")
	if err != nil {
		t.Fatal(err)
	}
	if withMeta.Meta == nil {
		t.Fatal("record with a title should decode with metadata")
	}
	if withMeta.Meta.Title != "late night chess" {
		t.Errorf("title = %q", withMeta.Meta.Title)
	}
	if withMeta.Meta.GameName != "Unknown" {
		t.Errorf("absent game should default to Unknown, got %q", withMeta.Meta.GameName)
	}
}

func TestDecodeSnapshotViewerCountShapes(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"float64 from json", float64(42), 42},
		{"int from typed caller", 42, 42},
		{"numeric string", "42", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := DecodeSnapshot(map[string]any{"channel": "a", "viewer_count": tt.value}, "live")
			if err != nil {
				t.Fatal(err)
			}
			if snap.Meta == nil || snap.Meta.ViewerCount != tt.want {
				t.Errorf("viewer count = %+v, want %d", snap.Meta, tt.want)
			}
		})
	}
}
