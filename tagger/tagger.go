// Package tagger derives human-readable labels for detected communities
// from the metadata of their member channels.
package tagger

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/onnwee/viewer-atlas/presence"
)

// Reason records the attributes and percentages that justified a label.
// Percentages are over the full community size, so channels missing the
// relevant attribute count against the dominant share.
type Reason struct {
	DominantGame       string   `json:"dominant_game,omitempty"`
	GamePercentage     float64  `json:"game_percentage,omitempty"`
	DominantLanguage   string   `json:"dominant_language,omitempty"`
	LanguagePercentage float64  `json:"language_percentage,omitempty"`
	TopGames           []string `json:"top_games,omitempty"`
	NumChannels        int      `json:"num_channels,omitempty"`
	AvgViewers         int      `json:"avg_viewers,omitempty"`
	Reasoning          string   `json:"reasoning"`
}

// Statistics summarizes one tagging run.
type Statistics struct {
	TotalLabeled      int `json:"total_labeled"`
	WithClearGame     int `json:"with_clear_game"`
	WithClearLanguage int `json:"with_clear_language"`
	Uncategorized     int `json:"uncategorized"`
}

// Tagger assigns a descriptive label to each community and keeps the
// reasoning behind every assignment for later reporting.
type Tagger struct {
	labels  map[int]string
	reasons map[int]Reason
	log     *slog.Logger
}

func New() *Tagger {
	return &Tagger{
		labels:  make(map[int]string),
		reasons: make(map[int]Reason),
		log:     slog.With(slog.String("component", "tagger")),
	}
}

// Tag labels every community and returns the id -> label mapping.
// Prior results are discarded. Tagging never fails: a community whose
// members carry no metadata at all still gets the fallback label.
func (t *Tagger) Tag(communities map[int][]string, metadata map[string]presence.Metadata) map[int]string {
	t.labels = make(map[int]string, len(communities))
	t.reasons = make(map[int]Reason, len(communities))

	t.log.Info("tagging communities", slog.Int("communities", len(communities)))

	for _, id := range sortedIDs(communities) {
		label, reason := generateLabel(id, communities[id], metadata)
		t.labels[id] = label
		t.reasons[id] = reason
		t.log.Debug("labeled community",
			slog.Int("community", id),
			slog.String("label", label),
			slog.String("reasoning", reason.Reasoning))
	}

	return t.Labels()
}

// Labels returns a copy of the current id -> label mapping.
func (t *Tagger) Labels() map[int]string {
	out := make(map[int]string, len(t.labels))
	for id, label := range t.labels {
		out[id] = label
	}
	return out
}

// Label returns the label for a community, falling back to a generic
// name when the community was never tagged.
func (t *Tagger) Label(id int) string {
	if label, ok := t.labels[id]; ok {
		return label
	}
	return fmt.Sprintf("Community %d", id)
}

// ReasonFor returns the reasoning recorded for a community.
func (t *Tagger) ReasonFor(id int) (Reason, bool) {
	r, ok := t.reasons[id]
	return r, ok
}

// Statistics reports how many communities were labeled and how many
// landed on each of the strong branches.
func (t *Tagger) Statistics() Statistics {
	stats := Statistics{TotalLabeled: len(t.labels)}
	for _, r := range t.reasons {
		if r.GamePercentage >= 60 {
			stats.WithClearGame++
		}
		if r.LanguagePercentage >= 40 {
			stats.WithClearLanguage++
		}
	}
	stats.Uncategorized = stats.TotalLabeled - stats.WithClearGame - stats.WithClearLanguage
	return stats
}

// generateLabel walks a fixed decision cascade where the first matching
// branch wins: dominant game, game plus dominant language, dominant
// language alone, mixed top games, sized variety fallback, bare id.
func generateLabel(id int, members []string, metadata map[string]presence.Metadata) (string, Reason) {
	games := make(map[string]int)
	langs := make(map[string]int)
	var viewerSum, viewerN int

	for _, ch := range members {
		meta, ok := metadata[ch]
		if !ok {
			continue
		}
		if meta.GameName != "" && meta.GameName != "Unknown" {
			games[meta.GameName]++
		}
		if meta.Language != "" && meta.Language != "Unknown" {
			langs[meta.Language]++
		}
		if meta.ViewerCount > 0 {
			viewerSum += meta.ViewerCount
			viewerN++
		}
	}

	total := float64(len(members))
	gameRank := rankCounts(games)
	langRank := rankCounts(langs)

	if len(gameRank) > 0 {
		top := gameRank[0]
		pct := float64(top.n) / total * 100
		if pct >= 60 {
			return top.name, Reason{
				DominantGame:   top.name,
				GamePercentage: pct,
				Reasoning:      fmt.Sprintf("%s (%.0f%% of channels)", top.name, pct),
			}
		}
	}

	if len(langRank) > 0 && len(gameRank) > 0 {
		topLang := langRank[0]
		pct := float64(topLang.n) / total * 100
		if pct >= 40 {
			topGame := gameRank[0].name
			return fmt.Sprintf("%s (%s)", topGame, topLang.name), Reason{
				DominantGame:       topGame,
				DominantLanguage:   topLang.name,
				LanguagePercentage: pct,
				Reasoning:          fmt.Sprintf("%s / %s-speaking", topGame, topLang.name),
			}
		}
	}

	if len(langRank) > 0 {
		topLang := langRank[0]
		pct := float64(topLang.n) / total * 100
		if pct >= 50 {
			return fmt.Sprintf("%s-speaking Variety", topLang.name), Reason{
				DominantLanguage:   topLang.name,
				LanguagePercentage: pct,
				Reasoning:          fmt.Sprintf("%s-speaking community", topLang.name),
			}
		}
	}

	if len(gameRank) >= 2 {
		names := make([]string, 0, 3)
		for i, g := range gameRank {
			if i == 3 {
				break
			}
			names = append(names, g.name)
		}
		return fmt.Sprintf("%s / %s Mix", names[0], names[1]), Reason{
			TopGames:  names,
			Reasoning: fmt.Sprintf("Mixed: %s, %s", names[0], names[1]),
		}
	}

	if viewerN > 0 {
		if avg := viewerSum / viewerN; avg > 0 {
			return fmt.Sprintf("Variety Community (%d channels)", len(members)), Reason{
				NumChannels: len(members),
				AvgViewers:  avg,
				Reasoning:   "Variety / Mixed genres",
			}
		}
	}

	return fmt.Sprintf("Community %d", id), Reason{
		NumChannels: len(members),
		Reasoning:   "Uncategorized",
	}
}

type attributeCount struct {
	name string
	n    int
}

// rankCounts orders attribute counts highest first, breaking ties by
// name so labels are reproducible across runs.
func rankCounts(counts map[string]int) []attributeCount {
	ranked := make([]attributeCount, 0, len(counts))
	for name, n := range counts {
		ranked = append(ranked, attributeCount{name: name, n: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].name < ranked[j].name
	})
	return ranked
}

func sortedIDs(communities map[int][]string) []int {
	ids := make([]int, 0, len(communities))
	for id := range communities {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
