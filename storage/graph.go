package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// GraphNode is one entity in the session knowledge graph. Descriptions
// from different chunks accumulate separated by <SEP>.
type GraphNode struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	SourceIDs   string `json:"source_ids,omitempty"`
}

// GraphEdge connects two entities. Weight accumulates across mentions.
type GraphEdge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
	SourceIDs   string  `json:"source_ids,omitempty"`
}

const graphSep = "<SEP>"

// GraphStorage is a per-session entity graph persisted as one JSON
// document. Edges are undirected; the key orders endpoints so that
// (a,b) and (b,a) land on the same record.
type GraphStorage struct {
	mu    sync.RWMutex
	path  string
	Nodes map[string]GraphNode `json:"nodes"`
	Edges map[string]GraphEdge `json:"edges"`
}

// OpenGraph loads graph_storage.json from the session directory,
// starting empty when missing.
func OpenGraph(sessionDir string) (*GraphStorage, error) {
	g := &GraphStorage{
		path:  filepath.Join(sessionDir, "graph_storage.json"),
		Nodes: map[string]GraphNode{},
		Edges: map[string]GraphEdge{},
	}
	raw, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	return g, nil
}

func edgeKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// UpsertNode merges a node into the graph. A repeated entity keeps its
// first type and appends the new description and source ids.
func (g *GraphStorage) UpsertNode(n GraphNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.Nodes[n.Name]
	if !ok {
		g.Nodes[n.Name] = n
		return
	}
	if prev.Type == "" {
		prev.Type = n.Type
	}
	prev.Description = joinSep(prev.Description, n.Description)
	prev.SourceIDs = joinSep(prev.SourceIDs, n.SourceIDs)
	g.Nodes[n.Name] = prev
}

// UpsertEdge merges an edge, summing weights. Endpoints missing from
// the node set get placeholder nodes so degree queries stay consistent.
func (g *GraphStorage) UpsertEdge(e GraphEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range []string{e.Source, e.Target} {
		if _, ok := g.Nodes[name]; !ok {
			g.Nodes[name] = GraphNode{Name: name}
		}
	}
	key := edgeKey(e.Source, e.Target)
	prev, ok := g.Edges[key]
	if !ok {
		if e.Weight == 0 {
			e.Weight = 1
		}
		g.Edges[key] = e
		return
	}
	prev.Weight += e.Weight
	prev.Description = joinSep(prev.Description, e.Description)
	prev.SourceIDs = joinSep(prev.SourceIDs, e.SourceIDs)
	g.Edges[key] = prev
}

func (g *GraphStorage) HasNode(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.Nodes[name]
	return ok
}

func (g *GraphStorage) Node(name string) (GraphNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.Nodes[name]
	return n, ok
}

// NodeDegree counts the edges touching name.
func (g *GraphStorage) NodeDegree(name string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	degree := 0
	for _, e := range g.Edges {
		if e.Source == name || e.Target == name {
			degree++
		}
	}
	return degree
}

// Neighbors returns the names adjacent to name, sorted for stable output.
func (g *GraphStorage) Neighbors(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range g.Edges {
		switch name {
		case e.Source:
			out = append(out, e.Target)
		case e.Target:
			out = append(out, e.Source)
		}
	}
	sort.Strings(out)
	return out
}

func (g *GraphStorage) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.Nodes)
}

func (g *GraphStorage) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.Edges)
}

// Flush commits the graph document atomically.
func (g *GraphStorage) Flush() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return atomicWriteJSON(g.path, g)
}

func joinSep(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case strings.Contains(a, b):
		return a
	default:
		return a + graphSep + b
	}
}
