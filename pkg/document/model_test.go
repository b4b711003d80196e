package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCanvas() *Canvas {
	c := NewCanvas("Sample")
	c.Pages[0].Nodes["n1"] = Node{
		Type:     "construct",
		Position: Position{X: 10, Y: 20},
		Data: NodeData{
			ConstructType: "service",
			SemanticID:    "auth-service",
			Values:        map[string]any{"replicas": float64(3), "public": true},
		},
	}
	c.Pages[0].Nodes["n2"] = Node{
		Type:     "construct",
		Position: Position{X: 200, Y: 20},
		Data: NodeData{
			ConstructType: "queue",
			SemanticID:    "job-queue",
		},
	}
	c.Pages[0].Edges["e1"] = Edge{Source: "n1", Target: "n2", SourceHandle: "out"}
	return c
}

func TestNewCanvas_DefaultPage(t *testing.T) {
	c := NewCanvas("Untitled")
	require.Len(t, c.Pages, 1)
	assert.Equal(t, FormatVersion, c.FormatVersion)
	assert.Equal(t, "Untitled", c.Title)
	assert.Equal(t, 0, c.NodeCount())
}

func TestCanvas_Validate(t *testing.T) {
	require.NoError(t, sampleCanvas().Validate())

	bad := sampleCanvas()
	bad.FormatVersion = 99
	assert.ErrorContains(t, bad.Validate(), "unsupported formatVersion")

	bad = sampleCanvas()
	bad.Pages[0].Edges["e2"] = Edge{Source: "n1", Target: "missing"}
	assert.ErrorContains(t, bad.Validate(), "missing target")

	bad = sampleCanvas()
	bad.Pages = append(bad.Pages, Page{
		ID:    "page-2",
		Nodes: map[string]Node{"n1": {}},
		Edges: map[string]Edge{},
	})
	assert.ErrorContains(t, bad.Validate(), "duplicate node id")

	bad = sampleCanvas()
	bad.Pages = append(bad.Pages, Page{
		ID:    "page-2",
		Nodes: map[string]Node{"n9": {Data: NodeData{SemanticID: "auth-service"}}},
		Edges: map[string]Edge{},
	})
	assert.ErrorContains(t, bad.Validate(), "duplicate semanticId")

	var verr *ValidationError
	assert.ErrorAs(t, bad.Validate(), &verr)
}

func TestCanvas_DocRoundTrip(t *testing.T) {
	original := sampleCanvas()
	doc, err := FromCanvas(original)
	require.NoError(t, err)

	restored, err := doc.Snapshot()
	require.NoError(t, err)
	assert.True(t, original.Equal(restored), "canvas should survive the doc round trip")
	assert.Equal(t, 2, restored.NodeCount())
	assert.Equal(t, "auth-service", restored.Pages[0].Nodes["n1"].Data.SemanticID)
	assert.Equal(t, float64(3), restored.Pages[0].Nodes["n1"].Data.Values["replicas"])
}

func TestCanvas_Equal_IgnoresMapOrder(t *testing.T) {
	a := sampleCanvas()
	b := sampleCanvas()
	assert.True(t, a.Equal(b))
	b.Pages[0].Nodes["n3"] = Node{Type: "construct"}
	assert.False(t, a.Equal(b))
}
