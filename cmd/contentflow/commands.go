package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/bootstrap"
	"github.com/pipeline-works/contentflow/internal/config"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/registry"
)

var version = "dev"

// flagKeys maps persistent flags onto their configuration keys.
var flagKeys = map[string]string{
	"log-level": "logging.level",
	"store":     "store.backend",
	"port":      "server.port",
	"policy":    "approval.policy",
	"pipeline":  "pipeline.file",
}

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "contentflow",
		Short:         "Durable content pipeline with human approval",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&opts.configFile, "config", "c", "", "path to configuration file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("store", "", "state store backend (memory, redis, sqlite, postgres)")
	fs.Int("port", 0, "HTTP API port")
	fs.String("policy", "", "default approval policy")
	fs.String("pipeline", "", "pipeline definition file")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return bindFlags(opts.v, cmd.Flags())
	}

	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts), newValidateCmd(opts))
	return cmd
}

// bindFlags binds only flags the user set, so unset flags leave file, env and
// default values in effect.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, scheduler and workflow engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bs := bootstrap.New()
			if err := bs.InitializeWithViper(ctx, opts.v, opts.configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			logger := bs.Logger

			logger.Info(ctx, "contentflow starting",
				zap.String("version", version),
				zap.String("config_file", opts.configFile))

			if err := bs.Start(ctx, true); err != nil {
				_ = bs.Stop(context.Background())
				return err
			}

			logger.Info(ctx, "contentflow is running")
			<-ctx.Done()
			logger.Info(context.Background(), "Shutdown signal received, stopping gracefully")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(bs.Config))
			defer cancel()
			if err := bs.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("error during shutdown: %w", err)
			}
			return nil
		},
	}
}

type runFlags struct {
	kind        string
	reviewLimit int
	timeout     time.Duration
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var rf runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive one workflow to completion and print its final state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if rf.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, rf.timeout)
				defer cancel()
			}

			// Other in-flight instances belong to a server process.
			opts.v.Set("engine.resume_on_start", false)

			bs := bootstrap.New()
			if err := bs.InitializeWithViper(ctx, opts.v, opts.configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(bs.Config))
				defer cancel()
				_ = bs.Stop(shutdownCtx)
			}()

			inst, err := runOnce(ctx, bs, rf)
			if inst != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(inst); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if inst.State == models.StateFailed {
				return fmt.Errorf("workflow %s failed: %s", inst.ID, inst.FailureReason)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&rf.kind, "kind", "", "workflow kind label")
	fs.IntVar(&rf.reviewLimit, "review-limit", 0, "review limit for the review_first_n policy")
	fs.DurationVar(&rf.timeout, "timeout", 0, "give up after this long (0 waits for the approval window)")
	return cmd
}

func runOnce(ctx context.Context, bs *bootstrap.Bootstrap, rf runFlags) (*models.WorkflowInstance, error) {
	if err := bs.Start(ctx, false); err != nil {
		return nil, err
	}

	inst, err := bs.Engine.NewInstance(ctx, rf.kind, models.RunOptions{
		ReviewLimit: rf.reviewLimit,
		TriggeredBy: "cli",
	})
	if err != nil {
		return nil, err
	}

	runErr := bs.Engine.Run(ctx, inst)

	// The driver persists its final state; read it back with a fresh context in
	// case ctx expired.
	final, err := bs.Engine.GetWorkflow(context.Background(), inst.ID)
	if err != nil {
		return inst, err
	}
	return final, runErr
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and pipeline definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithViper(opts.v, opts.configFile)
			if err != nil {
				return err
			}
			reg, err := registry.FromPipelineConfig(cfg.Pipeline)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "store: %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "approval policy: %s\n", cfg.Approval.Policy)
			fmt.Fprintf(out, "steps:\n")
			for i, s := range reg.Steps() {
				fmt.Fprintf(out, "  %d. %s (agent %s, retries %d, timeout %s", i+1, s.Name, s.Agent, s.MaxRetries, s.Timeout)
				if s.RequiresApproval {
					fmt.Fprint(out, ", approval")
				}
				if s.CompensationAction != "" {
					fmt.Fprintf(out, ", compensation %s", s.CompensationAction)
				}
				fmt.Fprintln(out, ")")
			}
			for _, s := range cfg.Scheduler.Schedules {
				fmt.Fprintf(out, "schedule %s: %s\n", s.Name, s.Cron)
			}
			return nil
		},
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Engine.ShutdownTimeout > 0 {
		return cfg.Engine.ShutdownTimeout
	}
	return 30 * time.Second
}
