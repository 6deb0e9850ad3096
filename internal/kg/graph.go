// Package kg implements the two-tier knowledge graph: operational and
// long-term node stores, append-only edges, staged lazy updates with weight
// decay back-propagation, critic verification, deduplication, conflict
// detection and JSONL snapshots.
package kg

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"kolibri/internal/logging"
)

// Memory tiers. Nodes and edges live in exactly one tier.
const (
	MemoryOperational = "operational"
	MemoryLongTerm    = "long_term"
)

// Node is a knowledge graph entity. Updates replace the stored record; the
// struct itself is treated as immutable once inserted.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	Sources    []string       `json:"sources"`
	Confidence float64        `json:"confidence"`
	Embedding  []float64      `json:"embedding"`
	Metadata   map[string]any `json:"metadata"`
	Memory     string         `json:"memory"`
}

// Edge links two nodes by id. Edges form a multiset; merges rewrite endpoints
// and record redirect history in metadata.
type Edge struct {
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Relation string         `json:"relation"`
	Weight   float64        `json:"weight"`
	Memory   string         `json:"memory"`
	Metadata map[string]any `json:"metadata"`
}

// backpropDecay is the multiplicative weight decay applied to edges incident
// to a node whose pending update was just applied.
const backpropDecay = 0.95

type listener struct {
	id int
	fn func(event string, payload map[string]any)
}

// Graph stores nodes, edges and the reasoning facilities built on them. It is
// not safe for concurrent mutation; the orchestrator serializes writes on the
// request path.
type Graph struct {
	operationalNodes map[string]Node
	longTermNodes    map[string]Node
	operationalEdges []Edge
	longTermEdges    []Edge

	pendingUpdates map[string]map[string]any

	critics     map[string]Critic
	authorities map[string]Authority

	revision          int
	verificationCache *verificationCache

	listeners  []listener
	nextListID int

	log *zap.Logger
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		operationalNodes: make(map[string]Node),
		longTermNodes:    make(map[string]Node),
		pendingUpdates:   make(map[string]map[string]any),
		critics:          make(map[string]Critic),
		authorities:      make(map[string]Authority),
		log:              logging.Get(logging.CategoryGraph),
	}
}

// NormalizeMemory maps tier aliases onto the two canonical tiers.
func NormalizeMemory(memory string) string {
	switch memory {
	case "long", MemoryLongTerm, "archive":
		return MemoryLongTerm
	default:
		return MemoryOperational
	}
}

func (g *Graph) nodeStore(tier string) map[string]Node {
	if tier == MemoryLongTerm {
		return g.longTermNodes
	}
	return g.operationalNodes
}

func (g *Graph) edgeStore(tier string) *[]Edge {
	if tier == MemoryLongTerm {
		return &g.longTermEdges
	}
	return &g.operationalEdges
}

// AddNode inserts or replaces a node in its memory tier.
func (g *Graph) AddNode(node Node) {
	tier := NormalizeMemory(node.Memory)
	node.Memory = tier
	event := "node_added"
	if _, exists := g.GetNode(node.ID); exists {
		event = "node_updated"
	}
	g.nodeStore(tier)[node.ID] = node
	g.bumpRevision()
	g.notify(event, map[string]any{"node": node})
}

// PromoteNode moves a node from operational memory into long-term memory.
// Promotion is one-way; the call is a no-op for unknown or already promoted
// nodes.
func (g *Graph) PromoteNode(nodeID string) bool {
	node, ok := g.operationalNodes[nodeID]
	if !ok {
		return false
	}
	delete(g.operationalNodes, nodeID)
	node.Memory = MemoryLongTerm
	g.longTermNodes[nodeID] = node
	g.bumpRevision()
	g.notify("node_updated", map[string]any{"node": node})
	return true
}

// AddEdge appends an edge to its memory tier. Endpoints are not checked here;
// snapshot load and ingestion establish them.
func (g *Graph) AddEdge(edge Edge) {
	tier := NormalizeMemory(edge.Memory)
	edge.Memory = tier
	store := g.edgeStore(tier)
	*store = append(*store, edge)
	g.bumpRevision()
}

// Nodes returns the nodes of one tier, or the union of both when level is
// empty. Order is deterministic: operational first, sorted by id within each
// tier.
func (g *Graph) Nodes(level string) []Node {
	collect := func(store map[string]Node) []Node {
		out := make([]Node, 0, len(store))
		for _, node := range store {
			out = append(out, node)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}
	switch {
	case level == "":
		return append(collect(g.operationalNodes), collect(g.longTermNodes)...)
	case NormalizeMemory(level) == MemoryLongTerm:
		return collect(g.longTermNodes)
	default:
		return collect(g.operationalNodes)
	}
}

// Edges returns the edges of one tier, or both in insertion order when level
// is empty.
func (g *Graph) Edges(level string) []Edge {
	switch {
	case level == "":
		out := make([]Edge, 0, len(g.operationalEdges)+len(g.longTermEdges))
		out = append(out, g.operationalEdges...)
		return append(out, g.longTermEdges...)
	case NormalizeMemory(level) == MemoryLongTerm:
		return append([]Edge(nil), g.longTermEdges...)
	default:
		return append([]Edge(nil), g.operationalEdges...)
	}
}

// GetNode looks a node up across both tiers, operational first.
func (g *Graph) GetNode(nodeID string) (Node, bool) {
	if node, ok := g.operationalNodes[nodeID]; ok {
		return node, true
	}
	node, ok := g.longTermNodes[nodeID]
	return node, ok
}

// Len returns the total node count across both tiers.
func (g *Graph) Len() int {
	return len(g.operationalNodes) + len(g.longTermNodes)
}

// Revision returns the monotonically increasing mutation counter.
func (g *Graph) Revision() int {
	return g.revision
}

// LazyUpdate stages a deferred change to a node. Metadata changes merge into
// a single pending metadata patch; other fields overwrite any previously
// staged value. The node must exist.
func (g *Graph) LazyUpdate(nodeID string, changes map[string]any) error {
	if _, ok := g.GetNode(nodeID); !ok {
		return fmt.Errorf("kg: unknown node: %s", nodeID)
	}
	pending, ok := g.pendingUpdates[nodeID]
	if !ok {
		pending = make(map[string]any)
		g.pendingUpdates[nodeID] = pending
	}
	for key, value := range changes {
		if key == "metadata" {
			patch, isMap := value.(map[string]any)
			if !isMap {
				continue
			}
			existing, _ := pending["metadata"].(map[string]any)
			if existing == nil {
				existing = make(map[string]any)
				pending["metadata"] = existing
			}
			for k, v := range patch {
				existing[k] = v
			}
			continue
		}
		pending[key] = value
	}
	return nil
}

// PendingUpdates returns a copy of the staged updates keyed by node id.
func (g *Graph) PendingUpdates() map[string]map[string]any {
	out := make(map[string]map[string]any, len(g.pendingUpdates))
	for id, change := range g.pendingUpdates {
		copied := make(map[string]any, len(change))
		for k, v := range change {
			copied[k] = v
		}
		out[id] = copied
	}
	return out
}

// PropagatePending applies all staged updates atomically and back-propagates
// revision markers: every edge incident to an updated node loses 5% of its
// weight and is marked pending_review, and each neighbor records the source
// node id under metadata.pending_backprop. Returns the ids processed, sorted.
func (g *Graph) PropagatePending() []string {
	pending := g.pendingUpdates
	g.pendingUpdates = make(map[string]map[string]any)

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	processed := make([]string, 0, len(ids))
	for _, nodeID := range ids {
		node, ok := g.GetNode(nodeID)
		if !ok {
			continue
		}
		change := pending[nodeID]
		metadata := copyMetadata(node.Metadata)
		if patch, ok := change["metadata"].(map[string]any); ok && len(patch) > 0 {
			revisions, _ := metadata["revisions"].([]any)
			metadata["revisions"] = append(revisions, copyMetadata(patch))
			for k, v := range patch {
				metadata[k] = v
			}
		}
		var ignored []string
		for key, value := range change {
			if key == "metadata" {
				continue
			}
			if !applyNodeField(&node, key, value) {
				ignored = append(ignored, key)
			}
		}
		if len(ignored) > 0 {
			metadata["ignored_updates"] = mergeSortedStrings(metadata["ignored_updates"], ignored)
		}
		node.Metadata = metadata
		g.replaceNode(node)
		g.backpropagate(nodeID)
		g.notify("node_updated", map[string]any{"node": node})
		processed = append(processed, nodeID)
	}
	if len(processed) > 0 {
		g.bumpRevision()
	}
	return processed
}

// applyNodeField writes a staged value into a known node field. Unknown
// fields report false and end up in metadata.ignored_updates.
func applyNodeField(node *Node, key string, value any) bool {
	switch key {
	case "type":
		if s, ok := value.(string); ok {
			node.Type = s
			return true
		}
	case "text":
		if s, ok := value.(string); ok {
			node.Text = s
			return true
		}
	case "confidence":
		if f, ok := toFloat(value); ok {
			node.Confidence = f
			return true
		}
	case "sources":
		if s, ok := toStringSlice(value); ok {
			node.Sources = s
			return true
		}
	case "embedding":
		if f, ok := toFloatSlice(value); ok {
			node.Embedding = f
			return true
		}
	}
	return false
}

// replaceNode stores a node back into the tier it claims, removing any stale
// copy in the other tier.
func (g *Graph) replaceNode(node Node) {
	tier := NormalizeMemory(node.Memory)
	node.Memory = tier
	if tier == MemoryLongTerm {
		delete(g.operationalNodes, node.ID)
	} else {
		delete(g.longTermNodes, node.ID)
	}
	g.nodeStore(tier)[node.ID] = node
}

func (g *Graph) removeNode(nodeID string) {
	removed := false
	if _, ok := g.operationalNodes[nodeID]; ok {
		delete(g.operationalNodes, nodeID)
		removed = true
	} else if _, ok := g.longTermNodes[nodeID]; ok {
		delete(g.longTermNodes, nodeID)
		removed = true
	}
	if removed {
		g.bumpRevision()
	}
	g.notify("node_removed", map[string]any{"node_id": nodeID})
}

// backpropagate decays every edge incident to nodeID and marks neighbors.
func (g *Graph) backpropagate(nodeID string) {
	changed := false
	for _, store := range []*[]Edge{&g.operationalEdges, &g.longTermEdges} {
		for i, edge := range *store {
			if edge.Source != nodeID && edge.Target != nodeID {
				continue
			}
			metadata := copyMetadata(edge.Metadata)
			if _, ok := metadata["pending_review"]; !ok {
				metadata["pending_review"] = true
			}
			edge.Weight = maxFloat(0, edge.Weight*backpropDecay)
			edge.Metadata = metadata
			(*store)[i] = edge

			neighborID := edge.Target
			if edge.Source != nodeID {
				neighborID = edge.Source
			}
			neighbor, ok := g.GetNode(neighborID)
			if !ok {
				continue
			}
			neighborMeta := copyMetadata(neighbor.Metadata)
			neighborMeta["pending_backprop"] = mergeSortedStrings(neighborMeta["pending_backprop"], []string{nodeID})
			neighbor.Metadata = neighborMeta
			g.replaceNode(neighbor)
			changed = true
		}
	}
	if changed {
		g.bumpRevision()
	}
}

// RegisterListener subscribes a callback to graph mutation events
// (node_added, node_updated, node_removed). The returned id unsubscribes.
func (g *Graph) RegisterListener(fn func(event string, payload map[string]any)) int {
	g.nextListID++
	g.listeners = append(g.listeners, listener{id: g.nextListID, fn: fn})
	return g.nextListID
}

// UnregisterListener removes a previously registered listener.
func (g *Graph) UnregisterListener(id int) {
	for i, l := range g.listeners {
		if l.id == id {
			g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
			return
		}
	}
}

func (g *Graph) notify(event string, payload map[string]any) {
	for _, l := range g.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.log.Warn("graph listener panic", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			l.fn(event, payload)
		}()
	}
}

func (g *Graph) bumpRevision() {
	g.revision++
	g.invalidateVerificationCache()
}

func copyMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

// mergeSortedStrings merges new entries into an existing metadata value that
// may be []string, []any or absent, returning a sorted unique []string.
func mergeSortedStrings(existing any, extras []string) []string {
	set := make(map[string]struct{})
	switch current := existing.(type) {
	case []string:
		for _, s := range current {
			set[s] = struct{}{}
		}
	case []any:
		for _, v := range current {
			if s, ok := v.(string); ok {
				set[s] = struct{}{}
			}
		}
	}
	for _, s := range extras {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func toStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func toFloatSlice(value any) ([]float64, bool) {
	switch v := value.(type) {
	case []float64:
		return append([]float64(nil), v...), true
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
