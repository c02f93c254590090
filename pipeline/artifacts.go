package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/viewer-atlas/overlap"
)

// exportGraphCSV writes graph_nodes.csv and graph_edges.csv into the
// configured output directory so the graph can be loaded into external
// tools like Gephi.
func (r *Runner) exportGraphCSV(g *overlap.Graph) error {
	dir := r.cfg.Analysis.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeCSV(filepath.Join(dir, "graph_nodes.csv"), g.WriteNodesCSV); err != nil {
		return err
	}
	return writeCSV(filepath.Join(dir, "graph_edges.csv"), g.WriteEdgesCSV)
}

func writeCSV(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// writeResults saves the full run result as an indented JSON artifact named
// after the run's start time.
func (r *Runner) writeResults(res Result) error {
	dir := r.cfg.DataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	name := "results_" + res.StartedAt.Format("20060102_150405") + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	r.log.Info("results artifact written", slog.String("path", path))
	return nil
}
