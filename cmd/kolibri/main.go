// Package main implements the kolibri CLI: an on-device assistant runtime
// with a hash-chained action journal, a session knowledge graph and a
// sandboxed skill pipeline.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"kolibri/internal/config"
	"kolibri/internal/iot"
	"kolibri/internal/journal"
	"kolibri/internal/learning"
	"kolibri/internal/logging"
	"kolibri/internal/metrics"
	"kolibri/internal/privacy"
	"kolibri/internal/rag"
	"kolibri/internal/runtime"
	"kolibri/internal/sandbox"
	"kolibri/internal/skills"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kolibri",
	Short: "kolibri - on-device assistant runtime",
	Long: `kolibri runs a single-process assistant core on the device.

Requests flow through privacy enforcement, multimodal encoding, planning,
graph-backed retrieval and sandboxed skill execution. Every decision lands
in a hash-chained journal that can be verified offline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Debug = true
		}
		return logging.Configure(cfg.Logging.Debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// bootRuntime assembles a runtime from the loaded configuration. The journal
// is restored from disk so the hash chain continues across invocations.
func bootRuntime(op *privacy.Operator) (*runtime.Runtime, *journal.Journal, error) {
	j, err := journal.Load(cfg.JournalFile())
	if err != nil {
		return nil, nil, fmt.Errorf("load journal: %w", err)
	}

	learner := learning.New(learning.WithJournal(j))

	mksiOpts := []runtime.MKSIOption{
		runtime.WithMKSIWindow(cfg.MKSI.WindowSize),
		runtime.WithLatencyBudget(float64(cfg.SLO.GetLatencyBudget().Milliseconds())),
	}
	if cfg.MKSI.ExportFile != "" {
		mksiOpts = append(mksiOpts, runtime.WithExportFile(cfg.MKSI.ExportFile))
	}
	if cfg.MKSI.ExportEndpoint != "" {
		mksiOpts = append(mksiOpts, runtime.WithExportEndpoint(cfg.MKSI.ExportEndpoint))
	}

	opts := []runtime.RuntimeOption{
		runtime.WithJournal(j),
		runtime.WithPrivacy(op),
		runtime.WithSandbox(sandbox.New(j,
			sandbox.WithTimeLimit(cfg.Sandbox.GetTimeLimit()),
			sandbox.WithMemoryLimit(cfg.Sandbox.MemoryLimitMB),
			sandbox.WithMaxWorkers(cfg.Sandbox.MaxWorkers),
		)),
		runtime.WithOfflineCache(rag.NewOfflineCache(cfg.Cache.GetOfflineTTL())),
		runtime.WithAnswerCache(rag.NewAnswerCache(cfg.Cache.GetAnswerTTL())),
		runtime.WithCacheMonitor(rag.NewCacheMonitor(cfg.AlertThresholds(), j)),
		runtime.WithSLOTracker(metrics.NewTracker(trackerOpts()...)),
		runtime.WithSelfLearner(learner),
		runtime.WithMKSI(runtime.NewMKSIAggregator(mksiOpts...)),
	}
	if len(cfg.IoT.Allowlist) > 0 {
		policy := iot.Policy{
			Allowlist:            cfg.IoT.Allowlist,
			ConfirmationRequired: cfg.IoT.ConfirmationRequired,
			MaxActionsPerSession: cfg.IoT.MaxActionsPerSession,
			MaxBatchSize:         cfg.IoT.MaxBatchSize,
			MaxDeferredActions:   cfg.IoT.MaxDeferredActions,
		}
		opts = append(opts, runtime.WithIoTBridge(iot.NewBridge(policy, iot.WithJournal(j))))
	}

	return runtime.New(opts...), j, nil
}

func trackerOpts() []metrics.TrackerOption {
	opts := []metrics.TrackerOption{
		metrics.WithWindow(cfg.SLO.WindowSize),
		metrics.WithThresholds(cfg.SLO.ThresholdsMS),
	}
	if cfg.SLO.EnableExporter {
		opts = append(opts, metrics.WithRegisterer(prometheus.DefaultRegisterer))
	}
	return opts
}

// loadSkillManifests reads every manifest JSON file in dir.
func loadSkillManifests(dir string) ([]skills.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills directory: %w", err)
	}
	var manifests []skills.Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		manifest, err := skills.LoadManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", entry.Name(), err)
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "kolibri.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
