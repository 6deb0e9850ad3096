package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"kolibri/internal/encoder"
	"kolibri/internal/kg"
)

var (
	ingestGraph     string
	ingestMinLength int
	ingestTags      []string
)

// ingestCmd feeds documents into the knowledge graph
var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest documents into the knowledge graph",
	Long: `Splits each document into claims, links them to their source,
deduplicates against existing claims and wires contradiction edges.
The updated graph snapshot is written back to disk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	graphPath := ingestGraph
	if graphPath == "" {
		graphPath = cfg.GraphFile()
	}

	graph := kg.NewGraph()
	if _, err := graph.Load(graphPath); err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	ingestor := kg.NewIngestor(encoder.NewTextEncoder(32), ingestMinLength)

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read document: %w", err)
		}
		name := filepath.Base(path)
		report := ingestor.Ingest(kg.Document{
			DocID:   strings.TrimSuffix(name, filepath.Ext(name)),
			Source:  path,
			Title:   name,
			Content: string(data),
			Tags:    ingestTags,
		}, graph)

		fmt.Printf("%s: %d nodes, %d edges, %d conflicts\n",
			name, report.NodesAdded, report.EdgesAdded, len(report.Conflicts))
		for _, warning := range report.Warnings {
			fmt.Println("  warning:", warning)
		}
	}

	if err := graph.Save(graphPath); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	fmt.Printf("Graph saved to %s (%d nodes)\n", graphPath, graph.Len())
	return nil
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestGraph, "graph", "g", "", "graph snapshot path (defaults to the configured graph)")
	ingestCmd.Flags().IntVar(&ingestMinLength, "min-length", 20, "minimum sentence length kept as a claim")
	ingestCmd.Flags().StringSliceVar(&ingestTags, "tag", nil, "tags attached to ingested documents")
}
