// Package main provides the orchard binary entry point.
// Orchard is a durable workflow and task orchestrator: tickets bound to
// declarative stage graphs decompose into tasks that workers claim,
// lease, execute, and retry against a shared store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/orchard/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "orchard"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Durable workflow and task orchestrator",
		Long: `Orchard coordinates long-running work items (tickets) bound to
declarative stage-graph workflows. Tickets decompose into tasks that
workers claim under row locks, execute with lease renewal, and retry
with exponential backoff until completion or dead-letter.

With no database configured, orchard runs against an in-memory store
for local experimentation; point database.url at Postgres for durable,
multi-worker operation.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(workerCmd(&configPath, &logLevel))
	cmd.AddCommand(migrateCmd(&configPath, &logLevel))
	cmd.AddCommand(ticketCmd(&configPath, &logLevel))
	cmd.AddCommand(scheduleCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func workerCmd(configPath, logLevel *string) *cobra.Command {
	var once, memory bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the task engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if memory {
				app.cfg.Database.URL = ""
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Stop()

			if once {
				resp, err := app.Worker.ProcessOnce(ctx, "")
				if err != nil {
					return err
				}
				fmt.Println(resp.Message)
				return nil
			}
			err = app.RunWorkerLoop(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single engine step and exit")
	cmd.Flags().BoolVar(&memory, "memory", false, "Run against the in-memory store (no database)")
	return cmd
}

func migrateCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags(*configPath, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := app.OpenStore(ctx); err != nil {
				return err
			}
			defer app.Stop()
			if err := app.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func ticketCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Inspect and manage tickets",
	}

	var (
		title       string
		workflowKey string
		inputJSON   string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags(*configPath, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Stop()

			input := store.Bag{}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			t, err := app.Tickets.CreateTicket(ctx, ticketCreateRequest(title, workflowKey, input))
			if err != nil {
				return err
			}
			fmt.Printf("created ticket %s (stage %s)\n", t.TicketID, t.Stage)
			return nil
		},
	}
	create.Flags().StringVar(&title, "title", "", "Ticket title")
	create.Flags().StringVar(&workflowKey, "workflow", "", "Workflow key (default from config)")
	create.Flags().StringVar(&inputJSON, "input", "", "Workflow input as JSON object")

	show := &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags(*configPath, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Stop()

			summary, err := app.Tickets.GetTicketSummary(ctx, args[0])
			if err != nil {
				return err
			}
			printTicketSummary(summary)
			return nil
		},
	}

	cmd.AddCommand(create, show)
	return cmd
}

func scheduleCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect ticket schedules",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags(*configPath, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Stop()

			schedules, err := app.Schedules.ListSchedules(ctx, limit)
			if err != nil {
				return err
			}
			for _, s := range schedules {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%d\t%s\tactive=%t\tnext=%s\n", s.ID, s.ScheduleKey, s.Active, next)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum schedules to list")
	cmd.AddCommand(list)
	return cmd
}
