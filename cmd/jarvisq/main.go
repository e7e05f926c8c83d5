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

	cfgpkg "github.com/sri-akshat/jarvis/internal/config"
	"github.com/sri-akshat/jarvis/internal/taskqueue"
	"github.com/sri-akshat/jarvis/internal/worker"
	logpkg "github.com/sri-akshat/jarvis/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jarvisq",
		Short: "jarvis task queue CLI",
		Long:  "jarvisq manages the durable task queue shared by the jarvis ingestion pipeline: enqueue tasks, run workers, inspect dead letters.",
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("JARVIS_CONFIG"), "Path to JSON config file")
	rootCmd.PersistentFlags().String("queue", "", "Connection target: redis:// URI or SQLite path (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newFailedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves config file, env overlay and flag overrides, in that
// order.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	if v, _ := cmd.Flags().GetString("queue"); v != "" {
		cfg.QueueTarget = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}

func newLogger(cfg cfgpkg.Config) logpkg.Logger {
	level, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if cfg.LogFormat == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormatter(formatter))
}

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			taskType, _ := cmd.Flags().GetString("type")
			rawPayload, _ := cmd.Flags().GetString("payload")
			delaySeconds, _ := cmd.Flags().GetInt("delay-seconds")

			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}

			q := taskqueue.New(taskqueue.WithLogger(newLogger(cfg)))
			defer q.Close()

			var opts []taskqueue.EnqueueOption
			if delaySeconds > 0 {
				opts = append(opts, taskqueue.WithAvailableAt(time.Now().Add(time.Duration(delaySeconds)*time.Second)))
			}
			if err := q.Enqueue(cmd.Context(), cfg.QueueTarget, taskType, payload, opts...); err != nil {
				return err
			}
			fmt.Printf("enqueued %s task on %s\n", taskType, cfg.QueueTarget)
			return nil
		},
	}
	cmd.Flags().String("type", "", "Task type (required)")
	cmd.Flags().String("payload", "{}", "Task payload as a JSON object")
	cmd.Flags().Int("delay-seconds", 0, "Delay before the task becomes claimable")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a queue worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetStringSlice("task-types"); len(v) > 0 {
				cfg.TaskTypes = v
			}
			if v, _ := cmd.Flags().GetInt("poll-interval"); v > 0 {
				cfg.PollIntervalSeconds = v
			}
			runOnce, _ := cmd.Flags().GetBool("run-once")

			logger := newLogger(cfg)
			q := taskqueue.New(taskqueue.WithLogger(logger))
			defer q.Close()

			w := worker.New(worker.Options{
				Queue:             q,
				Target:            cfg.QueueTarget,
				TaskTypes:         cfg.TaskTypes,
				PollInterval:      time.Duration(cfg.PollIntervalSeconds) * time.Second,
				LeaseSeconds:      cfg.LeaseSeconds,
				RetryDelaySeconds: cfg.RetryDelaySeconds,
				MaxAttempts:       cfg.MaxAttempts,
				Logger:            logger,
			})
			// Built-in smoke-test handler; pipeline stages embed the worker
			// package and register their own.
			w.Register("echo", func(_ context.Context, task *taskqueue.Task) error {
				out, _ := json.Marshal(task.Payload)
				fmt.Printf("echo %s: %s\n", task.TaskID, out)
				return nil
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if runOnce {
				_, err := w.RunOnce(ctx)
				return err
			}
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("task-types", nil, "Subset of task types to process")
	cmd.Flags().Int("poll-interval", 0, "Seconds to wait when no tasks are available")
	cmd.Flags().Bool("run-once", false, "Process at most one task and exit")
	return cmd
}

func newFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List dead-lettered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			q := taskqueue.New(taskqueue.WithLogger(newLogger(cfg)))
			defer q.Close()

			tasks, err := q.DeadLetters(cmd.Context(), cfg.QueueTarget, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no dead-lettered tasks")
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			for i := range tasks {
				if err := enc.Encode(&tasks[i]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum tasks to list")
	return cmd
}
