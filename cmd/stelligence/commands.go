package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stelligence/internal/app"
	"stelligence/internal/contribution"
	"stelligence/internal/store"
)

var (
	noScheduler bool
	applyAction bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the voting scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := setup(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		go rt.search.ReindexAllFromPG(ctx)
		if !noScheduler {
			go rt.scheduler.Run(ctx, cfg.ScheduleInterval)
		}

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           app.NewHTTPServer(rt.service(), cfg.CORSOrigin, rt.logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			rt.logger.WithField("addr", cfg.Addr).Info("stelligence listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.logger.WithError(err).Warn("shutdown error")
		}
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Close the voting of every open contribution once and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
			report, err := rt.scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <contribution-id>",
	Short: "Merge a contribution now, regardless of its votes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
			if err := rt.merger.Merge(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "contribution %d merged\n", id)
			return nil
		})
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <contribution-id>",
	Short: "Print the action the current votes call for",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
			if applyAction {
				action, err := rt.scheduler.Handle(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s applied to contribution %d\n", action, id)
				return nil
			}
			tally, err := rt.votes.GetTally(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"tally": tally, "action": contribution.Decide(tally).String()})
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir)); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every document at its latest revision into the search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
			rt.search.ReindexAllFromPG(ctx)
			return nil
		})
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running the voting scheduler")
	decideCmd.Flags().BoolVar(&applyAction, "apply", false, "dispatch the decided action instead of only printing it")
}

func withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, payload any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
