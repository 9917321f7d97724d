package kb

import (
	"encoding/xml"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	apperrors "ragserve/internal/errors"
)

// GraphFileName is the on-disk entity graph, GraphML encoded.
const GraphFileName = "graph_chunk_entity_relation.graphml"

// GraphNode is one extracted entity.
type GraphNode struct {
	ID          string `json:"id"`
	EntityType  string `json:"entity_type"`
	Description string `json:"description"`
	SourceID    string `json:"source_id"`
}

// GraphEdge is one extracted relation. Edges are undirected; Source and
// Target are stored in normalized order.
type GraphEdge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
	Keywords    string  `json:"keywords"`
}

// Graph is the per-KB entity graph with GraphML persistence.
type Graph struct {
	mu    sync.RWMutex
	path  string
	nodes map[string]*GraphNode
	edges map[string]*GraphEdge
	adj   map[string]map[string]struct{}
}

// OpenGraph loads the graph at path, creating an empty file when absent.
func OpenGraph(path string) (*Graph, error) {
	g := &Graph{
		path:  path,
		nodes: make(map[string]*GraphNode),
		edges: make(map[string]*GraphEdge),
		adj:   make(map[string]map[string]struct{}),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := g.persistLocked(); err != nil {
			return nil, err
		}
		return g, nil
	}
	if err != nil {
		return nil, apperrors.Storage("read graph file").WithCause(err)
	}
	if err := g.decode(raw); err != nil {
		return nil, err
	}
	return g, nil
}

func edgeKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// UpsertNode inserts or merges an entity. Descriptions and source ids
// accumulate; the first non-empty entity type wins.
func (g *Graph) UpsertNode(node GraphNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.nodes[node.ID]
	if !ok {
		copied := node
		g.nodes[node.ID] = &copied
		if g.adj[node.ID] == nil {
			g.adj[node.ID] = make(map[string]struct{})
		}
		return g.persistLocked()
	}
	if existing.EntityType == "" {
		existing.EntityType = node.EntityType
	}
	existing.Description = mergeField(existing.Description, node.Description)
	existing.SourceID = mergeField(existing.SourceID, node.SourceID)
	return g.persistLocked()
}

// UpsertEdge inserts or merges a relation, creating endpoint nodes that do
// not exist yet. Weights accumulate on merge.
func (g *Graph) UpsertEdge(edge GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertEdgeLocked(edge)
	return g.persistLocked()
}

// UpsertBatch applies a set of nodes and edges under one persist. The
// ingest pipeline uses this so a document lands as one graph write.
func (g *Graph) UpsertBatch(nodes []GraphNode, edges []GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, node := range nodes {
		if existing, ok := g.nodes[node.ID]; ok {
			if existing.EntityType == "" {
				existing.EntityType = node.EntityType
			}
			existing.Description = mergeField(existing.Description, node.Description)
			existing.SourceID = mergeField(existing.SourceID, node.SourceID)
			continue
		}
		copied := node
		g.nodes[node.ID] = &copied
		if g.adj[node.ID] == nil {
			g.adj[node.ID] = make(map[string]struct{})
		}
	}
	for _, edge := range edges {
		g.upsertEdgeLocked(edge)
	}
	return g.persistLocked()
}

func (g *Graph) upsertEdgeLocked(edge GraphEdge) {
	if edge.Source == "" || edge.Target == "" || edge.Source == edge.Target {
		return
	}
	if edge.Target < edge.Source {
		edge.Source, edge.Target = edge.Target, edge.Source
	}
	for _, id := range []string{edge.Source, edge.Target} {
		if _, ok := g.nodes[id]; !ok {
			g.nodes[id] = &GraphNode{ID: id}
		}
		if g.adj[id] == nil {
			g.adj[id] = make(map[string]struct{})
		}
	}

	key := edgeKey(edge.Source, edge.Target)
	if existing, ok := g.edges[key]; ok {
		existing.Weight += edge.Weight
		existing.Description = mergeField(existing.Description, edge.Description)
		existing.Keywords = mergeField(existing.Keywords, edge.Keywords)
	} else {
		copied := edge
		if copied.Weight == 0 {
			copied.Weight = 1
		}
		g.edges[key] = &copied
	}
	g.adj[edge.Source][edge.Target] = struct{}{}
	g.adj[edge.Target][edge.Source] = struct{}{}
}

// mergeField joins distinct newline-separated fragments.
func mergeField(existing, incoming string) string {
	if incoming == "" {
		return existing
	}
	if existing == "" {
		return incoming
	}
	for _, part := range strings.Split(existing, "\n") {
		if part == incoming {
			return existing
		}
	}
	return existing + "\n" + incoming
}

// Node returns one entity by id.
func (g *Graph) Node(id string) (GraphNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return GraphNode{}, false
	}
	return *n, true
}

// Labels returns all entity ids, sorted.
func (g *Graph) Labels() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	labels := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		labels = append(labels, id)
	}
	sort.Strings(labels)
	return labels
}

// Neighbors returns the ids adjacent to id, sorted.
func (g *Graph) Neighbors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.adj[id]))
	for n := range g.adj[id] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Degree returns the neighbor count of id.
func (g *Graph) Degree(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj[id])
}

// NodesForSources returns the entities extracted from any of the given
// chunks, sorted by id. Source ids accumulate newline-separated on merge.
func (g *Graph) NodesForSources(chunkIDs []string) []GraphNode {
	if len(chunkIDs) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = struct{}{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []GraphNode
	for _, node := range g.nodes {
		for _, src := range strings.Split(node.SourceID, "\n") {
			if _, ok := want[src]; ok {
				out = append(out, *node)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgesAmong returns the relations with both endpoints in ids, heaviest
// first.
func (g *Graph) EdgesAmong(ids []string) []GraphEdge {
	in := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		in[id] = struct{}{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []GraphEdge
	for _, edge := range g.edges {
		if _, ok := in[edge.Source]; !ok {
			continue
		}
		if _, ok := in[edge.Target]; !ok {
			continue
		}
		out = append(out, *edge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// FindEntities returns entities whose id or description contains any term,
// case-insensitively, best-connected first.
func (g *Graph) FindEntities(terms []string, limit int) []GraphNode {
	var folded []string
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			folded = append(folded, t)
		}
	}
	if len(folded) == 0 || limit <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []GraphNode
	for id, node := range g.nodes {
		haystack := strings.ToLower(id + "\n" + node.Description)
		for _, t := range folded {
			if strings.Contains(haystack, t) {
				out = append(out, *node)
				break
			}
		}
	}
	g.sortByDegreeLocked(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TopEntities returns up to n entities by connectivity, ties on id.
func (g *Graph) TopEntities(n int) []GraphNode {
	if n <= 0 {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GraphNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, *node)
	}
	g.sortByDegreeLocked(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (g *Graph) sortByDegreeLocked(nodes []GraphNode) {
	sort.Slice(nodes, func(i, j int) bool {
		di, dj := len(g.adj[nodes[i].ID]), len(g.adj[nodes[j].ID])
		if di != dj {
			return di > dj
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// Subgraph is the BFS neighborhood returned by the knowledge-graph route.
type Subgraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Subgraph walks breadth-first from label up to maxDepth hops, capped at
// maxNodes. The special label "*" starts from every node.
func (g *Graph) Subgraph(label string, maxDepth, maxNodes int) (Subgraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if maxNodes <= 0 {
		maxNodes = 100
	}
	if maxDepth < 0 {
		maxDepth = 0
	}

	seeds := []string{label}
	if label == "*" {
		seeds = make([]string, 0, len(g.nodes))
		for id := range g.nodes {
			seeds = append(seeds, id)
		}
		sort.Strings(seeds)
	} else if _, ok := g.nodes[label]; !ok {
		return Subgraph{}, apperrors.NotFound("entity %q is not in the graph", label)
	}

	included := make(map[string]struct{})
	frontier := seeds
	for depth := 0; len(frontier) > 0 && len(included) < maxNodes; depth++ {
		var next []string
		for _, id := range frontier {
			if _, seen := included[id]; seen {
				continue
			}
			if len(included) >= maxNodes {
				break
			}
			included[id] = struct{}{}
			if depth < maxDepth {
				next = append(next, g.sortedAdj(id)...)
			}
		}
		frontier = next
	}

	var sub Subgraph
	ids := make([]string, 0, len(included))
	for id := range included {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sub.Nodes = append(sub.Nodes, *g.nodes[id])
	}
	for _, edge := range g.sortedEdges() {
		if _, okA := included[edge.Source]; !okA {
			continue
		}
		if _, okB := included[edge.Target]; !okB {
			continue
		}
		sub.Edges = append(sub.Edges, *edge)
	}
	return sub, nil
}

func (g *Graph) sortedAdj(id string) []string {
	out := make([]string, 0, len(g.adj[id]))
	for n := range g.adj[id] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) sortedEdges() []*GraphEdge {
	keys := make([]string, 0, len(g.edges))
	for k := range g.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*GraphEdge, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.edges[k])
	}
	return out
}

// GraphStats is the counts pair for the stats route.
type GraphStats struct {
	Nodes int `json:"node_count"`
	Edges int `json:"edge_count"`
}

// Stats reports node and edge counts.
func (g *Graph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GraphStats{Nodes: len(g.nodes), Edges: len(g.edges)}
}

// Clear drops every node and edge and persists the empty graph.
func (g *Graph) Clear() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*GraphNode)
	g.edges = make(map[string]*GraphEdge)
	g.adj = make(map[string]map[string]struct{})
	return g.persistLocked()
}

// ============================================================================
// GRAPHML CODEC
// ============================================================================

type graphmlDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	Xmlns   string       `xml:"xmlns,attr"`
	Keys    []graphmlKey `xml:"key"`
	Graph   graphmlGraph `xml:"graph"`
}

type graphmlKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphmlGraph struct {
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphmlNode `xml:"node"`
	Edges       []graphmlEdge `xml:"edge"`
}

type graphmlNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphmlData `xml:"data"`
}

type graphmlEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphmlData `xml:"data"`
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

var graphmlKeys = []graphmlKey{
	{ID: "d0", For: "node", AttrName: "entity_type", AttrType: "string"},
	{ID: "d1", For: "node", AttrName: "description", AttrType: "string"},
	{ID: "d2", For: "node", AttrName: "source_id", AttrType: "string"},
	{ID: "d3", For: "edge", AttrName: "weight", AttrType: "double"},
	{ID: "d4", For: "edge", AttrName: "description", AttrType: "string"},
	{ID: "d5", For: "edge", AttrName: "keywords", AttrType: "string"},
}

func (g *Graph) persistLocked() error {
	doc := graphmlDoc{
		Xmlns: "http://graphml.graphdrawing.org/xmlns",
		Keys:  graphmlKeys,
		Graph: graphmlGraph{EdgeDefault: "undirected"},
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := g.nodes[id]
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphmlNode{
			ID: n.ID,
			Data: []graphmlData{
				{Key: "d0", Value: n.EntityType},
				{Key: "d1", Value: n.Description},
				{Key: "d2", Value: n.SourceID},
			},
		})
	}
	for _, e := range g.sortedEdges() {
		doc.Graph.Edges = append(doc.Graph.Edges, graphmlEdge{
			Source: e.Source,
			Target: e.Target,
			Data: []graphmlData{
				{Key: "d3", Value: strconv.FormatFloat(e.Weight, 'f', -1, 64)},
				{Key: "d4", Value: e.Description},
				{Key: "d5", Value: e.Keywords},
			},
		})
	}

	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Storage("encode graph file").WithCause(err)
	}
	return atomicWrite(g.path, append([]byte(xml.Header), raw...))
}

func (g *Graph) decode(raw []byte) error {
	var doc graphmlDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return apperrors.Storage("graph file is corrupted").WithCause(err)
	}
	for _, n := range doc.Graph.Nodes {
		node := &GraphNode{ID: n.ID}
		for _, d := range n.Data {
			switch d.Key {
			case "d0":
				node.EntityType = d.Value
			case "d1":
				node.Description = d.Value
			case "d2":
				node.SourceID = d.Value
			}
		}
		g.nodes[n.ID] = node
		if g.adj[n.ID] == nil {
			g.adj[n.ID] = make(map[string]struct{})
		}
	}
	for _, e := range doc.Graph.Edges {
		edge := GraphEdge{Source: e.Source, Target: e.Target, Weight: 1}
		for _, d := range e.Data {
			switch d.Key {
			case "d3":
				if w, err := strconv.ParseFloat(d.Value, 64); err == nil {
					edge.Weight = w
				}
			case "d4":
				edge.Description = d.Value
			case "d5":
				edge.Keywords = d.Value
			}
		}
		g.upsertEdgeLocked(edge)
	}
	return nil
}
