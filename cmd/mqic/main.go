package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/conductor"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/orchestrator"
	"github.com/medqa/conductor/pkg/storage"
	"github.com/medqa/conductor/pkg/types"
	"github.com/medqa/conductor/pkg/worker/curator"
	"github.com/medqa/conductor/pkg/worker/executor"
	"github.com/medqa/conductor/pkg/worker/scanner"
	"github.com/medqa/conductor/pkg/worker/transfer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mqic",
	Short: "mqic - distributed QA workflow orchestrator",
	Long: `mqic drives medical-physics QA cases through their computation
workflow: it watches for new case data, reserves GPUs, runs the
computation steps on the GPU host and collects the results, with every
state transition recorded in a shared state store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mqic version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(caseCmd)

	caseCmd.AddCommand(caseShowCmd)
	caseCmd.AddCommand(caseUploadCmd)
	caseCmd.AddCommand(caseDownloadCmd)
	caseUploadCmd.Flags().String("local", "", "Local case directory")
	caseUploadCmd.Flags().String("remote", "", "Remote destination directory")
	caseDownloadCmd.Flags().String("local", "", "Local destination directory")
	caseDownloadCmd.Flags().String("remote", "", "Remote results directory")
}

// setup loads configuration, initializes logging and opens the store.
func setup() (*config.Config, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log.Init(log.Config{Level: cfg.Logging.Level, JSONOutput: cfg.Logging.JSON})

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Logging.StoreSink {
		log.AttachSink(store)
	}
	return cfg, store, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator root process",
	Long: `Run the orchestrator root: starts and supervises the configured
worker processes, publishes the periodic system_monitor tick and serves
the metrics endpoint. Blocks until SIGTERM or SIGINT.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		b := bus.New(cfg.RabbitMQ.URL, cfg.Messaging.MaxRetries)
		return orchestrator.New(cfg, configPath, store, b).Run()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker <name>",
	Short: "Run a single worker process",
	Long: `Run one worker in the foreground. Valid names: conductor,
remote_executor, file_transfer, case_scanner, system_curator.

The orchestrator spawns these itself; running one directly is mainly
useful for debugging.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		b := bus.New(cfg.RabbitMQ.URL, cfg.Messaging.MaxRetries)
		name := args[0]

		switch name {
		case "conductor":
			c := conductor.New(store, b, cfg)
			c.Start()
			defer c.Stop()
			stopOnSignal(func() { b.Close() })
			return b.Consume(cfg.Queues.Conductor, c.HandleMessage)
		case "remote_executor":
			stopOnSignal(func() { b.Close() })
			return executor.New(cfg, b).Run()
		case "file_transfer":
			stopOnSignal(func() { b.Close() })
			return transfer.New(cfg, b).Run()
		case "system_curator":
			stopOnSignal(func() { b.Close() })
			return curator.New(cfg, store, b).Run()
		case "case_scanner":
			sc := scanner.New(cfg, store, b)
			stopOnSignal(func() { sc.Stop(); b.Close() })
			return sc.Run()
		default:
			return fmt.Errorf("unknown worker %q", name)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show case and GPU state",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Println("Cases:")
		for _, status := range []types.CaseStatus{
			types.CaseStatusQueued, types.CaseStatusProcessing,
			types.CaseStatusPendingResource, types.CaseStatusCompleted,
			types.CaseStatusFailed,
		} {
			cases, err := store.ListCasesByStatus(status)
			if err != nil {
				return err
			}
			fmt.Printf("  %-17s %d\n", status, len(cases))
			for _, c := range cases {
				step := "-"
				if c.WorkflowStep != nil && *c.WorkflowStep != "" {
					step = *c.WorkflowStep
				}
				fmt.Printf("    %-20s step=%s\n", c.CaseID, step)
			}
		}

		gpus, err := store.ListGPUs()
		if err != nil {
			return err
		}
		fmt.Println("GPUs:")
		for _, g := range gpus {
			holder := "-"
			if g.ReservedByCaseID != nil {
				holder = *g.ReservedByCaseID
			}
			fmt.Printf("  %d %-11s case=%-20s util=%.0f%% mem=%d/%dMB temp=%.0fC\n",
				g.GPUID, g.Status, holder, g.UtilizationPct, g.MemoryUsedMB, g.MemoryTotalMB, g.TemperatureC)
		}

		scanned, err := store.ListScannedCases()
		if err != nil {
			return err
		}
		fmt.Println("Scanned paths:")
		for _, sc := range scanned {
			fmt.Printf("  %-40s %-9s %s\n", sc.CasePath, sc.Status, sc.ScannedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// Case commands
var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Inspect and drive individual cases",
}

var caseShowCmd = &cobra.Command{
	Use:   "show <case_id>",
	Short: "Show a case and its transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		c, err := store.GetCase(args[0])
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("case %q not found", args[0])
		}
		fmt.Printf("Case:    %s\n", c.CaseID)
		fmt.Printf("Status:  %s\n", c.Status)
		if c.WorkflowStep != nil && *c.WorkflowStep != "" {
			fmt.Printf("Step:    %s\n", *c.WorkflowStep)
		}
		if c.AssignedGPUID != nil {
			fmt.Printf("GPU:     %d\n", *c.AssignedGPUID)
		}
		if c.ErrorMessage != nil && *c.ErrorMessage != "" {
			fmt.Printf("Error:   %s\n", *c.ErrorMessage)
		}

		history, err := store.GetCaseHistory(c.CaseID)
		if err != nil {
			return err
		}
		fmt.Println("History:")
		for _, h := range history {
			step := "-"
			if h.WorkflowStep != nil && *h.WorkflowStep != "" {
				step = *h.WorkflowStep
			}
			fmt.Printf("  %s  %-17s step=%-12s %s\n",
				h.Timestamp.Format("2006-01-02 15:04:05"), h.Status, step, h.Message)
		}
		return nil
	},
}

var caseUploadCmd = &cobra.Command{
	Use:   "upload <case_id>",
	Short: "Queue a case-data upload to the GPU host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishTransfer(cmd, args[0], bus.CmdUploadCase)
	},
}

var caseDownloadCmd = &cobra.Command{
	Use:   "download <case_id>",
	Short: "Queue a results download from the GPU host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishTransfer(cmd, args[0], bus.CmdDownloadResults)
	},
}

func publishTransfer(cmd *cobra.Command, caseID, command string) error {
	cfg, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	local, _ := cmd.Flags().GetString("local")
	remote, _ := cmd.Flags().GetString("remote")
	if local == "" || remote == "" {
		return fmt.Errorf("--local and --remote are required")
	}

	b := bus.New(cfg.RabbitMQ.URL, cfg.Messaging.MaxRetries)
	defer b.Close()

	msg, err := bus.NewMessage(command, map[string]string{
		"case_id":     caseID,
		"local_path":  local,
		"remote_path": remote,
	})
	if err != nil {
		return err
	}
	msg.CorrelationID = caseID
	if err := b.Publish(cfg.Queues.FileTransfer, msg); err != nil {
		return err
	}
	fmt.Printf("✓ %s queued for case %s\n", command, caseID)
	return nil
}

// stopOnSignal runs fn once on SIGTERM/SIGINT so blocking consume loops
// unwind cleanly.
func stopOnSignal(fn func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		fn()
	}()
}
