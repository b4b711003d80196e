package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/canvasd/pkg/document"
	"github.com/astromechza/canvasd/pkg/viz"
)

// Offline inspector for stored documents: prints the logical content and the
// change history of a snapshot file, and can render the page graph to SVG.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	renderVar := flag.String("render", "", "render the given page id to a temporary SVG")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the file to read")
	}
	path := flag.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	var doc *document.Document
	if strings.HasSuffix(path, ".canvas.json") {
		var canvas document.Canvas
		if err := json.Unmarshal(buff, &canvas); err != nil {
			return fmt.Errorf("failed to decode canonical file: %w", err)
		}
		if doc, err = document.FromCanvas(&canvas); err != nil {
			return err
		}
	} else {
		if doc, err = document.LoadBinary(buff); err != nil {
			return err
		}
	}

	canvas, err := doc.Snapshot()
	if err != nil {
		return err
	}
	slog.Info("loaded document", "title", canvas.Title, "pages", len(canvas.Pages), "nodes", canvas.NodeCount())
	for _, page := range canvas.Pages {
		slog.Info("page", "id", page.ID, "name", page.Name, "nodes", len(page.Nodes), "edges", len(page.Edges))
	}

	state, err := doc.EncodeState()
	if err != nil {
		return err
	}
	raw, err := automerge.Load(state)
	if err != nil {
		return fmt.Errorf("failed to reload state: %w", err)
	}
	changes, err := raw.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "message", change.Message())
	}

	if *renderVar != "" {
		svgPath, err := viz.RenderPageToTemp(canvas, *renderVar)
		if err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+svgPath)

		historyPath := filepath.Join(os.TempDir(), "history-"+filepath.Base(svgPath))
		if err := viz.RenderHistoryToSvg(raw, historyPath); err != nil {
			return err
		}
		slog.Info("rendered history", "path", "file://"+historyPath)
	}
	return nil
}
