package kg

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// snapshotVersion is the graph snapshot format version.
const snapshotVersion = 1

type snapshotRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type snapshotMeta struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
}

// Save serializes the graph to a JSONL snapshot: one meta line, nodes sorted
// by (memory, id), edges sorted by (memory, source, target, relation), and
// one optional pending-updates line.
func (g *Graph) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("kg: create snapshot dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("kg: create snapshot: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	write := func(record any) error {
		line, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	}

	if err := write(snapshotMeta{Kind: "meta", Version: snapshotVersion}); err != nil {
		return fmt.Errorf("kg: write snapshot meta: %w", err)
	}

	nodes := g.Nodes("")
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Memory != nodes[j].Memory {
			return nodes[i].Memory < nodes[j].Memory
		}
		return nodes[i].ID < nodes[j].ID
	})
	for _, node := range nodes {
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("kg: marshal node %s: %w", node.ID, err)
		}
		if err := write(snapshotRecord{Kind: "node", Data: data}); err != nil {
			return fmt.Errorf("kg: write node %s: %w", node.ID, err)
		}
	}

	edges := g.Edges("")
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Memory != b.Memory {
			return a.Memory < b.Memory
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Relation < b.Relation
	})
	for _, edge := range edges {
		data, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("kg: marshal edge %s->%s: %w", edge.Source, edge.Target, err)
		}
		if err := write(snapshotRecord{Kind: "edge", Data: data}); err != nil {
			return fmt.Errorf("kg: write edge %s->%s: %w", edge.Source, edge.Target, err)
		}
	}

	if len(g.pendingUpdates) > 0 {
		data, err := json.Marshal(g.pendingUpdates)
		if err != nil {
			return fmt.Errorf("kg: marshal pending updates: %w", err)
		}
		if err := write(snapshotRecord{Kind: "pending", Data: data}); err != nil {
			return fmt.Errorf("kg: write pending updates: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("kg: flush snapshot: %w", err)
	}
	return nil
}

// Load replaces the graph contents with a snapshot. A missing file reports
// (false, nil); unparseable lines are skipped.
func (g *Graph) Load(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("kg: open snapshot: %w", err)
	}
	defer file.Close()

	g.operationalNodes = make(map[string]Node)
	g.longTermNodes = make(map[string]Node)
	g.operationalEdges = nil
	g.longTermEdges = nil
	g.pendingUpdates = make(map[string]map[string]any)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record snapshotRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		switch record.Kind {
		case "node":
			var node Node
			if err := json.Unmarshal(record.Data, &node); err != nil {
				continue
			}
			node.Memory = NormalizeMemory(node.Memory)
			g.nodeStore(node.Memory)[node.ID] = node
		case "edge":
			var edge Edge
			if err := json.Unmarshal(record.Data, &edge); err != nil {
				continue
			}
			edge.Memory = NormalizeMemory(edge.Memory)
			store := g.edgeStore(edge.Memory)
			*store = append(*store, edge)
		case "pending":
			var pending map[string]map[string]any
			if err := json.Unmarshal(record.Data, &pending); err != nil {
				continue
			}
			for id, changes := range pending {
				g.pendingUpdates[id] = changes
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("kg: read snapshot: %w", err)
	}
	g.bumpRevision()
	return true, nil
}
