package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kolibri/internal/journal"
	"kolibri/internal/kg"
)

var verifyGraph string

// verifyReport is the JSON document printed by the verify command. Conflicts
// render as [left, right] pairs.
type verifyReport struct {
	Verification []kg.VerificationResult `json:"verification"`
	Conflicts    [][2]string             `json:"conflicts"`
	JournalOK    bool                    `json:"journal_ok"`
	JournalSize  int                     `json:"journal_size"`
}

// verifyCmd audits the graph and the journal chain
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify graph claims and the journal hash chain",
	Long: `Runs every registered critic over the knowledge graph, collects
conflicting claim pairs and revalidates the journal hash chain.
The report is printed as JSON.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	graphPath := verifyGraph
	if graphPath == "" {
		graphPath = cfg.GraphFile()
	}

	graph := kg.NewGraph()
	if _, err := graph.Load(graphPath); err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	report := verifyReport{
		Verification: graph.VerifyWithCritics(nil, nil),
	}
	for _, pair := range graph.DetectConflicts() {
		report.Conflicts = append(report.Conflicts, [2]string{pair.Left, pair.Right})
	}

	j, err := journal.Load(cfg.JournalFile())
	if err != nil {
		return fmt.Errorf("verify journal: %w", err)
	}
	report.JournalOK = j.Verify()
	report.JournalSize = len(j.Entries())

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(encoded))
	return nil
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyGraph, "graph", "g", "", "graph snapshot path (defaults to the configured graph)")
}
