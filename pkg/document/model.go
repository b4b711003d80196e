package document

import (
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"
)

// FormatVersion is the canonical file format version this build reads and writes.
const FormatVersion = 1

// Canvas is the logical content of a document: metadata plus a set of pages, each
// carrying its own node and edge namespace. It is the shape that round-trips
// through the canonical JSON form.
type Canvas struct {
	FormatVersion int    `json:"formatVersion"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Pages         []Page `json:"pages"`
}

type Page struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Index int             `json:"index"`
	Nodes map[string]Node `json:"nodes"`
	Edges map[string]Edge `json:"edges"`
}

type Node struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type NodeData struct {
	ConstructType string         `json:"constructType"`
	SemanticID    string         `json:"semanticId"`
	Values        map[string]any `json:"values,omitempty"`
	Connections   []Connection   `json:"connections,omitempty"`
}

// Connection wires a named port on one node to a port on another node of the
// same page.
type Connection struct {
	FromPort string `json:"fromPort"`
	ToNode   string `json:"toNode"`
	ToPort   string `json:"toPort,omitempty"`
}

type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// NewCanvas returns an empty document with a single default page.
func NewCanvas(title string) *Canvas {
	return &Canvas{
		FormatVersion: FormatVersion,
		Title:         title,
		Pages: []Page{{
			ID:    "page-1",
			Name:  "Main",
			Index: 0,
			Nodes: map[string]Node{},
			Edges: map[string]Edge{},
		}},
	}
}

// NodeCount is the number of nodes across all pages.
func (c *Canvas) NodeCount() int {
	var n int
	for _, p := range c.Pages {
		n += len(p.Nodes)
	}
	return n
}

func (c *Canvas) page(pageID string) (int, *Page) {
	for i := range c.Pages {
		if c.Pages[i].ID == pageID {
			return i, &c.Pages[i]
		}
	}
	return -1, nil
}

// findNode locates a node id anywhere in the document.
func (c *Canvas) findNode(nodeID string) (pageIndex int, ok bool) {
	for i := range c.Pages {
		if _, ok := c.Pages[i].Nodes[nodeID]; ok {
			return i, true
		}
	}
	return -1, false
}

func (c *Canvas) hasSemanticID(semanticID string) bool {
	if semanticID == "" {
		return false
	}
	for i := range c.Pages {
		for _, n := range c.Pages[i].Nodes {
			if n.Data.SemanticID == semanticID {
				return true
			}
		}
	}
	return false
}

// Validate checks the invariants the canonical form must satisfy before it is
// allowed to populate a live document.
func (c *Canvas) Validate() error {
	if c.FormatVersion != FormatVersion {
		return &ValidationError{Reason: fmt.Sprintf("unsupported formatVersion %d", c.FormatVersion)}
	}
	seenPages := map[string]bool{}
	seenNodes := map[string]bool{}
	seenSemantic := map[string]bool{}
	for i := range c.Pages {
		p := &c.Pages[i]
		if p.ID == "" {
			return &ValidationError{Reason: "page missing id"}
		}
		if seenPages[p.ID] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate page id %q", p.ID)}
		}
		seenPages[p.ID] = true
		for id, n := range p.Nodes {
			if seenNodes[id] {
				return &ValidationError{Reason: fmt.Sprintf("duplicate node id %q", id)}
			}
			seenNodes[id] = true
			if sid := n.Data.SemanticID; sid != "" {
				if seenSemantic[sid] {
					return &ValidationError{Reason: fmt.Sprintf("duplicate semanticId %q", sid)}
				}
				seenSemantic[sid] = true
			}
		}
		for id, e := range p.Edges {
			if _, ok := p.Nodes[e.Source]; !ok {
				return &ValidationError{Reason: fmt.Sprintf("edge %q references missing source %q", id, e.Source)}
			}
			if _, ok := p.Nodes[e.Target]; !ok {
				return &ValidationError{Reason: fmt.Sprintf("edge %q references missing target %q", id, e.Target)}
			}
		}
	}
	return nil
}

// normalize round-trips the canvas through JSON so that comparisons and
// automerge writes see the same plain map/slice/scalar shapes regardless of
// where the canvas came from.
func (c *Canvas) normalize() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canvas: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal canvas: %w", err)
	}
	return out, nil
}

// Equal compares logical content, independent of map iteration order.
func (c *Canvas) Equal(other *Canvas) bool {
	a, err := json.Marshal(c)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// writeCanvas clears the doc's root map and repopulates it from the canvas.
// Must be called inside a transaction.
func writeCanvas(doc *automerge.Doc, c *Canvas) error {
	fields, err := c.normalize()
	if err != nil {
		return err
	}
	keys, err := doc.RootMap().Keys()
	if err != nil {
		return fmt.Errorf("failed to list root keys: %w", err)
	}
	for _, k := range keys {
		if err := doc.RootMap().Delete(k); err != nil {
			return fmt.Errorf("failed to clear key %q: %w", k, err)
		}
	}
	for k, v := range fields {
		if err := doc.RootMap().Set(k, v); err != nil {
			return fmt.Errorf("failed to set key %q: %w", k, err)
		}
	}
	return nil
}

// readCanvas materializes the doc's root map back into the logical model.
func readCanvas(doc *automerge.Doc) (*Canvas, error) {
	m, err := materializeMap(doc.RootMap())
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal root map: %w", err)
	}
	var c Canvas
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode canvas: %w", err)
	}
	if c.Pages == nil {
		c.Pages = []Page{}
	}
	return &c, nil
}

func materializeMap(m *automerge.Map) (map[string]any, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := m.Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to get %q: %w", k, err)
		}
		gv, err := materializeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = gv
	}
	return out, nil
}

func materializeValue(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindMap:
		return materializeMap(v.Map())
	case automerge.KindList:
		items, err := v.List().Values()
		if err != nil {
			return nil, fmt.Errorf("failed to list values: %w", err)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			gv, err := materializeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return v.Uint64(), nil
	case automerge.KindFloat64:
		return v.Float64(), nil
	case automerge.KindBool:
		return v.Bool(), nil
	case automerge.KindBytes:
		return v.Bytes(), nil
	case automerge.KindNull, automerge.KindVoid:
		return nil, nil
	case automerge.KindText:
		return v.Text().Get()
	case automerge.KindTime:
		return v.Time(), nil
	default:
		return nil, fmt.Errorf("cannot materialize value of kind %v", v.Kind())
	}
}
