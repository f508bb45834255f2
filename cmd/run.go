package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/smtg-ai/genbatch/concurrency"
	"github.com/smtg-ai/genbatch/config"
	"github.com/smtg-ai/genbatch/keys"
	"github.com/smtg-ai/genbatch/log"
	"github.com/smtg-ai/genbatch/session/git"
	"github.com/smtg-ai/genbatch/submission"
	"github.com/smtg-ai/genbatch/ui"
	"github.com/spf13/cobra"
)

var (
	// ErrBatchFailed is returned when at least one task failed without a
	// placeholder, so callers can exit non-zero.
	ErrBatchFailed = errors.New("batch finished with failed tasks")
	// ErrBatchCancelled is returned when the batch was interrupted.
	ErrBatchCancelled = errors.New("batch cancelled")
)

const webhookDrainTimeout = 10 * time.Second

// RunOptions are the flags of the run command.
type RunOptions struct {
	ConfigPath  string
	OutputPath  string
	EventsPath  string
	MetricsPath string
	WebhookURL  string
	Concurrency int
	NoTUI       bool
	Verbose     bool
	NoRevision  bool
}

// RunCommand creates the run command
func RunCommand() *cobra.Command {
	var opts RunOptions

	cmd := &cobra.Command{
		Use:   "run <submission>",
		Short: "Run a batch of code generation tasks",
		Long: `Run every task of a batch submission (JSON or YAML) as a separate process,
with bounded concurrency, retries, a circuit breaker, health monitoring and
optional degradation to placeholder output.

The process exits non-zero when a task failed without a placeholder or the
batch was interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err := RunBatch(ctx, args[0], opts, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Config file to read instead of the default location")
	cmd.Flags().StringVarP(&opts.OutputPath, "output", "o", "", "Write the batch result as JSON to this file")
	cmd.Flags().StringVar(&opts.EventsPath, "events", "", "Write every event as a JSON line to this file")
	cmd.Flags().StringVar(&opts.MetricsPath, "metrics", "", "Write metrics to this file (Prometheus text, or JSON for .json)")
	cmd.Flags().StringVar(&opts.WebhookURL, "webhook", "", "POST batch:complete and degradation:enabled events to this URL")
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "j", 0, "Override the concurrency limit")
	cmd.Flags().BoolVar(&opts.NoTUI, "no-tui", false, "Print event lines instead of the live dashboard")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Include health and early timeout warnings in event lines")
	cmd.Flags().BoolVar(&opts.NoRevision, "no-revision", false, "Do not stamp the result with the git revision")
	return cmd
}

// RunBatch loads the submission at path, runs it and reports to out. The
// result is returned even when the batch failed or was cancelled.
func RunBatch(ctx context.Context, path string, opts RunOptions, out io.Writer) (*concurrency.BatchResult, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	sub, err := submission.Load(path)
	if err != nil {
		return nil, err
	}
	cfg = cfg.Merge(sub.Config)
	if opts.Concurrency > 0 {
		cfg.ConcurrencyLimit = opts.Concurrency
	}
	if opts.WebhookURL != "" {
		cfg.WebhookURL = opts.WebhookURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	orchCfg, err := cfg.ToOrchestratorConfig()
	if err != nil {
		return nil, err
	}
	launcher, err := concurrency.NewProcessLauncher(cfg.LauncherConfig())
	if err != nil {
		return nil, err
	}
	orch, err := concurrency.NewOrchestrator(orchCfg, launcher)
	if err != nil {
		return nil, err
	}
	defer orch.Close()
	events := orch.Events()

	metrics := concurrency.NewEngineMetrics()
	if _, err := events.Subscribe(metrics, concurrency.ObserveOptions{ID: "metrics", Priority: 10}); err != nil {
		return nil, err
	}

	if opts.EventsPath != "" {
		eventLog, err := submission.CreateEventLog(opts.EventsPath)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := eventLog.Close(); err != nil {
				log.ErrorLog.Printf("failed to close event log: %v", err)
			}
		}()
		if _, err := events.Subscribe(eventLog, concurrency.ObserveOptions{ID: "event-log", Priority: 5}); err != nil {
			return nil, err
		}
	}

	if cfg.WebhookURL != "" {
		notifier, err := concurrency.NewWebhookNotifier(cfg.WebhookURL, nil, orch.RetryPolicy())
		if err != nil {
			return nil, err
		}
		defer notifier.Close(webhookDrainTimeout)
		if _, err := events.Subscribe(notifier, concurrency.ObserveOptions{ID: "webhook"}); err != nil {
			return nil, err
		}
	}

	var handle *concurrency.BatchHandle
	var dashboard *ui.Dashboard
	if ui.UseDashboard(opts.NoTUI) {
		if err := keys.UpdateKeyMappings(cfg.KeyMappings); err != nil {
			return nil, err
		}
		dashboard = ui.NewDashboard(sub.Name, func() { orch.Cancel(handle) })
		if _, err := events.Subscribe(dashboard, concurrency.ObserveOptions{ID: "dashboard"}); err != nil {
			return nil, err
		}
	} else {
		console := ui.NewConsoleObserver(out, opts.Verbose)
		if _, err := events.Subscribe(console, concurrency.ObserveOptions{ID: "console"}); err != nil {
			return nil, err
		}
	}

	tasks := sub.BuildTasks(cfg)
	log.InfoLog.Printf("running %s: %d task(s) with %s", path, len(tasks), cfg.DefaultProgram)
	handle, err = orch.SubmitBatch(ctx, tasks)
	if err != nil {
		return nil, err
	}

	if dashboard != nil {
		if err := dashboard.Run(); err != nil {
			log.ErrorLog.Printf("%v", err)
		}
	}
	result, err := orch.Await(context.Background(), handle)
	if err != nil {
		return nil, err
	}
	events.Flush()
	if dashboard != nil {
		dashboard.Quit()
	}

	if !opts.NoRevision {
		stampRevision(result, sub.Dir)
	}

	if opts.OutputPath != "" {
		if err := submission.WriteResult(opts.OutputPath, result); err != nil {
			return result, err
		}
	}
	if opts.MetricsPath != "" {
		if err := writeMetrics(opts.MetricsPath, metrics); err != nil {
			return result, err
		}
	}

	fmt.Fprintln(out, ui.RenderSummary(result, ui.TerminalWidth(os.Stdout, 80)))

	switch {
	case result.Cancelled:
		return result, ErrBatchCancelled
	case result.Stats.FailureCount > 0:
		return result, fmt.Errorf("%w: %d of %d", ErrBatchFailed, result.Stats.FailureCount, result.Stats.Total)
	}
	return result, nil
}

// stampRevision records the HEAD revision of dir, or of the working
// directory when dir is empty. Outside a repository nothing is recorded.
func stampRevision(result *concurrency.BatchResult, dir string) {
	if dir == "" {
		dir = "."
	}
	rev, err := git.HeadRevision(dir)
	if err != nil {
		if !errors.Is(err, git.ErrNotRepository) {
			log.WarningLog.Printf("failed to read git revision of %s: %v", dir, err)
		}
		return
	}
	result.Revision = rev.String()
}

func writeMetrics(path string, metrics *concurrency.EngineMetrics) error {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		if err := metrics.WriteTextfile(path); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		return nil
	}
	data, err := metrics.ExportJSON()
	if err != nil {
		return fmt.Errorf("failed to export metrics: %w", err)
	}
	return config.WriteFileAtomic(path, data, 0644)
}
