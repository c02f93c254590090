package overlap

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// WriteEdgesCSV writes "source,target,weight" rows for external tools such
// as Gephi. Rows are ordered by (source, target).
func (g *Graph) WriteEdgesCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"source", "target", "weight"}); err != nil {
		return fmt.Errorf("write edges header: %w", err)
	}
	for _, e := range g.Edges() {
		row := []string{e.Source, e.Target, strconv.Itoa(e.Weight)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write edge %s-%s: %w", e.Source, e.Target, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteNodesCSV writes "id,viewers,viewer_count,game,title" rows. Titles and
// category names are free text; csv quoting keeps embedded delimiters from
// corrupting the output.
func (g *Graph) WriteNodesCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "viewers", "viewer_count", "game", "title"}); err != nil {
		return fmt.Errorf("write nodes header: %w", err)
	}
	for _, n := range g.Nodes() {
		viewerCount, game, title := 0, "Unknown", ""
		if n.Meta != nil {
			viewerCount = n.Meta.ViewerCount
			game = n.Meta.GameName
			title = n.Meta.Title
		}
		row := []string{n.Channel, strconv.Itoa(n.Viewers), strconv.Itoa(viewerCount), game, title}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write node %s: %w", n.Channel, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
