package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/canvasd/pkg/document"
)

// RenderPageToSvg renders one page's node/edge graph to an SVG for debugging
// a document outside the UI.
func RenderPageToSvg(canvas *document.Canvas, pageID string, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	var page *document.Page
	for i := range canvas.Pages {
		if canvas.Pages[i].ID == pageID {
			page = &canvas.Pages[i]
			break
		}
	}
	if page == nil {
		return fmt.Errorf("page %q does not exist", pageID)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for id, n := range page.Nodes {
		gn, err := graph.CreateNode(id)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		label := n.Data.SemanticID
		if label == "" {
			label = id
		}
		gn.SetLabel(fmt.Sprintf("%s\n%s", label, n.Type))
		nodeMap[id] = gn
	}
	for _, e := range page.Edges {
		ge, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), nodeMap[e.Source], nodeMap[e.Target])
		if err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
		if e.SourceHandle != "" || e.TargetHandle != "" {
			ge.SetLabel(fmt.Sprintf("%s->%s", e.SourceHandle, e.TargetHandle))
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

// RenderHistoryToSvg renders the change DAG of a raw automerge doc, labelled
// with actor and sequence, for inspecting merge behaviour.
func RenderHistoryToSvg(doc *automerge.Doc, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), change.Message()))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			_, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), nodeMap[hash.String()], n)
			if err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

// RenderPageToTemp renders a page graph to a temp file and returns its path.
func RenderPageToTemp(canvas *document.Canvas, pageID string) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderPageToSvg(canvas, pageID, tf); err != nil {
		return "", err
	}
	return tf, nil
}
