package document

import (
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// Mutation operations. Each validates against the current content and applies
// inside a single transaction, so a rejected operation leaves no partial
// write behind. Referential integrity (edges and connections pointing at live
// nodes) is enforced here, not by the replicated document itself, which has
// to tolerate transiently invalid states during concurrent merges.

// AddPage appends a new page and returns its id.
func (d *Document) AddPage(origin, name string) (string, error) {
	id := "page-" + uuid.NewString()
	err := d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		page := Page{ID: id, Name: name, Index: len(c.Pages), Nodes: map[string]Node{}, Edges: map[string]Edge{}}
		fields, err := (&Canvas{Pages: []Page{page}}).normalize()
		if err != nil {
			return err
		}
		return doc.Path("pages").List().Append(fields["pages"].([]any)[0])
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddNode inserts a node on a page. Node ids must be unique across every page
// of the document, and semantic ids must be unique across the document.
func (d *Document) AddNode(origin, pageID, nodeID string, node Node) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		pi, page := c.page(pageID)
		if page == nil {
			return &ValidationError{Reason: fmt.Sprintf("page %q does not exist", pageID)}
		}
		if nodeID == "" {
			return &ValidationError{Reason: "node id must not be empty"}
		}
		if _, ok := c.findNode(nodeID); ok {
			return &ValidationError{Reason: fmt.Sprintf("node %q already exists", nodeID)}
		}
		if c.hasSemanticID(node.Data.SemanticID) {
			return &ValidationError{Reason: fmt.Sprintf("semanticId %q already in use", node.Data.SemanticID)}
		}
		return setNode(doc, pi, nodeID, node)
	})
}

// MoveNode updates a node's position.
func (d *Document) MoveNode(origin, pageID, nodeID string, pos Position) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		pi, page := c.page(pageID)
		if page == nil {
			return &ValidationError{Reason: fmt.Sprintf("page %q does not exist", pageID)}
		}
		if _, ok := page.Nodes[nodeID]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("node %q does not exist on page %q", nodeID, pageID)}
		}
		if err := doc.Path("pages", pi, "nodes", nodeID, "position", "x").Set(pos.X); err != nil {
			return fmt.Errorf("failed to set position: %w", err)
		}
		if err := doc.Path("pages", pi, "nodes", nodeID, "position", "y").Set(pos.Y); err != nil {
			return fmt.Errorf("failed to set position: %w", err)
		}
		return nil
	})
}

// UpdateNodeValues overwrites the given value keys on a node.
func (d *Document) UpdateNodeValues(origin, pageID, nodeID string, values map[string]any) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		pi, page := c.page(pageID)
		if page == nil {
			return &ValidationError{Reason: fmt.Sprintf("page %q does not exist", pageID)}
		}
		if _, ok := page.Nodes[nodeID]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("node %q does not exist on page %q", nodeID, pageID)}
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := doc.Path("pages", pi, "nodes", nodeID, "data", "values", k).Set(values[k]); err != nil {
				return fmt.Errorf("failed to set value %q: %w", k, err)
			}
		}
		return nil
	})
}

// DeleteNode removes a node together with every edge and connection that
// references it.
func (d *Document) DeleteNode(origin, pageID, nodeID string) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		pi, page := c.page(pageID)
		if page == nil {
			return &ValidationError{Reason: fmt.Sprintf("page %q does not exist", pageID)}
		}
		if _, ok := page.Nodes[nodeID]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("node %q does not exist on page %q", nodeID, pageID)}
		}
		for edgeID, e := range page.Edges {
			if e.Source == nodeID || e.Target == nodeID {
				if err := doc.Path("pages", pi, "edges").Map().Delete(edgeID); err != nil {
					return fmt.Errorf("failed to delete edge %q: %w", edgeID, err)
				}
			}
		}
		for otherID, n := range page.Nodes {
			if otherID == nodeID {
				continue
			}
			kept := make([]Connection, 0, len(n.Data.Connections))
			for _, conn := range n.Data.Connections {
				if conn.ToNode != nodeID {
					kept = append(kept, conn)
				}
			}
			if len(kept) != len(n.Data.Connections) {
				n.Data.Connections = kept
				if err := setNode(doc, pi, otherID, n); err != nil {
					return err
				}
			}
		}
		if err := doc.Path("pages", pi, "nodes").Map().Delete(nodeID); err != nil {
			return fmt.Errorf("failed to delete node %q: %w", nodeID, err)
		}
		return nil
	})
}

// AddEdge connects two existing nodes on the same page.
func (d *Document) AddEdge(origin, pageID, edgeID string, edge Edge) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		pi, page := c.page(pageID)
		if page == nil {
			return &ValidationError{Reason: fmt.Sprintf("page %q does not exist", pageID)}
		}
		if edgeID == "" {
			return &ValidationError{Reason: "edge id must not be empty"}
		}
		if _, ok := page.Edges[edgeID]; ok {
			return &ValidationError{Reason: fmt.Sprintf("edge %q already exists", edgeID)}
		}
		if _, ok := page.Nodes[edge.Source]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("source node %q does not exist on page %q", edge.Source, pageID)}
		}
		if _, ok := page.Nodes[edge.Target]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("target node %q does not exist on page %q", edge.Target, pageID)}
		}
		fields := map[string]any{"source": edge.Source, "target": edge.Target}
		if edge.SourceHandle != "" {
			fields["sourceHandle"] = edge.SourceHandle
		}
		if edge.TargetHandle != "" {
			fields["targetHandle"] = edge.TargetHandle
		}
		if err := doc.Path("pages", pi, "edges", edgeID).Set(fields); err != nil {
			return fmt.Errorf("failed to set edge %q: %w", edgeID, err)
		}
		return nil
	})
}

// DeleteEdge removes an edge.
func (d *Document) DeleteEdge(origin, pageID, edgeID string) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		pi, page := c.page(pageID)
		if page == nil {
			return &ValidationError{Reason: fmt.Sprintf("page %q does not exist", pageID)}
		}
		if _, ok := page.Edges[edgeID]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("edge %q does not exist on page %q", edgeID, pageID)}
		}
		if err := doc.Path("pages", pi, "edges").Map().Delete(edgeID); err != nil {
			return fmt.Errorf("failed to delete edge %q: %w", edgeID, err)
		}
		return nil
	})
}

// ConnectPorts records a port-level connection from one node to another. Both
// nodes must exist on the page, must be distinct, and the source port must be
// named; duplicate connections are rejected.
func (d *Document) ConnectPorts(origin, pageID, fromNode string, conn Connection) error {
	return d.Transact(origin, func(doc *automerge.Doc) error {
		c, err := readCanvas(doc)
		if err != nil {
			return err
		}
		pi, page := c.page(pageID)
		if page == nil {
			return &ValidationError{Reason: fmt.Sprintf("page %q does not exist", pageID)}
		}
		node, ok := page.Nodes[fromNode]
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("node %q does not exist on page %q", fromNode, pageID)}
		}
		if _, ok := page.Nodes[conn.ToNode]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("target node %q does not exist on page %q", conn.ToNode, pageID)}
		}
		if conn.ToNode == fromNode {
			return &ValidationError{Reason: "cannot connect a node to itself"}
		}
		if conn.FromPort == "" {
			return &ValidationError{Reason: "connection port must be named"}
		}
		for _, existing := range node.Data.Connections {
			if existing == conn {
				return &ValidationError{Reason: "connection already exists"}
			}
		}
		node.Data.Connections = append(node.Data.Connections, conn)
		return setNode(doc, pi, fromNode, node)
	})
}

func setNode(doc *automerge.Doc, pageIndex int, nodeID string, node Node) error {
	single := &Canvas{Pages: []Page{{Nodes: map[string]Node{nodeID: node}}}}
	fields, err := single.normalize()
	if err != nil {
		return err
	}
	value := fields["pages"].([]any)[0].(map[string]any)["nodes"].(map[string]any)[nodeID]
	if err := doc.Path("pages", pageIndex, "nodes", nodeID).Set(value); err != nil {
		return fmt.Errorf("failed to set node %q: %w", nodeID, err)
	}
	return nil
}
