package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shelfhand/shelfhand/pkg/config"
	"github.com/shelfhand/shelfhand/pkg/engine"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shelfhand",
	Short: "Shelfhand - want-list to library e-book pipeline",
	Long: `Shelfhand watches a want-to-read list, finds matching e-books on a
remote repository, downloads them within the account's daily quota and
uploads them into a personal library server.

All pipeline state lives in a local SQLite store, so every run resumes
exactly where the last one stopped.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Shelfhand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "single-task execution with debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(resetCmd)
}

// loadConfig resolves flags into a ready configuration and initializes
// logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDebug {
		cfg.ApplyDebug()
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// newEngine builds a fully wired engine with the configured providers
func newEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	deps, err := buildDeps(cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, deps)
}

// newEngineBare builds an engine for store-only commands; collaborator
// providers are never touched by status or cleanup
func newEngineBare() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, engine.Deps{})
}

// signalContext returns a context cancelled by SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	return ctx, cancel
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync the want list and drain the pipeline once",
	Long: `Sync the want-to-read list, process every runnable item through
detail, search, download and upload, then exit.

Work gated behind a paused stage (authentication lockout, exhausted
download quota) is left in place for a later run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := e.RunOnce(ctx); err != nil && err != context.Canceled {
			return err
		}
		return printStatus(e)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run continuously until interrupted",
	Long: `Run the pipeline as a long-lived process: periodic want-list syncs,
quota recovery probes, background reconciliation and the optional
Prometheus metrics listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return e.RunDaemon(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngineBare()
		if err != nil {
			return err
		}
		defer e.Close()
		return printStatus(e)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished task rows and repair drift",
	Long: `Garbage-collect finished task rows past their retention window and
run one reconciliation pass. Items and their history are never deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngineBare()
		if err != nil {
			return err
		}
		defer e.Close()

		deleted, err := e.Cleanup()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Cleanup complete: %d task rows deleted\n", deleted)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <external-id> <target-state>",
	Short: "Re-open a permanently failed item",
	Long: `Move an item out of FAILED_PERMANENT into one of the queued states
(NEW, SEARCH_QUEUED, DOWNLOAD_QUEUED, UPLOAD_QUEUED) and schedule the
matching stage task for the next run.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngineBare()
		if err != nil {
			return err
		}
		defer e.Close()

		target := types.Status(strings.ToUpper(args[1]))
		if err := e.ResetItem(args[0], target); err != nil {
			return err
		}
		fmt.Printf("✓ Item %s reset to %s\n", args[0], target)
		return nil
	},
}

func printStatus(e *engine.Engine) error {
	rep, err := e.Status()
	if err != nil {
		return err
	}

	fmt.Printf("Items: %d total\n", rep.Total())
	statuses := make([]string, 0, len(rep.Items))
	for s := range rep.Items {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("  %-32s %d\n", s, rep.Items[types.Status(s)])
	}

	fmt.Printf("\nTasks: %d queued, %d active\n", rep.Tasks.QueueDepth, rep.Tasks.Active)
	for status, n := range rep.Tasks.Counts {
		fmt.Printf("  %-12s %d\n", status, n)
	}

	if len(rep.Paused) > 0 {
		fmt.Println("\nPaused stages:")
		for stage, reason := range rep.Paused {
			fmt.Printf("  %-10s %s\n", stage, reason)
		}
	}

	if q := rep.Quota; q != nil {
		fmt.Printf("\nQuota: %d/%d remaining (checked %s)\n",
			q.Remaining, q.DailyLimit, humanize.Time(q.LastChecked))
		if q.NextReset != nil {
			fmt.Printf("  resets %s\n", humanize.Time(*q.NextReset))
		}
	}
	return nil
}
