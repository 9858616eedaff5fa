package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
	"github.com/MarcoPoloResearchLab/ledger/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent and its local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the data service and drain pending changes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				if !a.prober.ProbeOnce(ctx) {
					a.logger.Warn("data service unreachable; pending changes kept")
				}
				result := a.access.SyncPendingChanges(ctx)
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print connectivity, queue depth and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				a.prober.ProbeOnce(ctx)
				return writeJSON(cmd.OutOrStdout(), a.access.GetSyncStatus(ctx))
			})
		},
	}
}

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued changes in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				return writeJSON(cmd.OutOrStdout(), a.access.GetPendingChanges(ctx))
			})
		},
	}
}

func newClearCacheCommand() *cobra.Command {
	var userID string
	command := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove every cached snapshot for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				removed, err := a.access.ClearUserCache(ctx, userID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"removed": removed})
			})
		},
	}
	command.Flags().StringVar(&userID, "user", "", "User id whose cache should be cleared")
	_ = command.MarkFlagRequired("user")
	return command
}

func withAgent(cmd *cobra.Command, run func(context.Context, *agent) error) error {
	a, err := loadAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, a)
}

func writeJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func runServe(ctx context.Context) error {
	a, err := loadAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.config.RequireServer(); err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(a.config.AuthSigningSecret),
		Issuer:        a.config.AuthIssuer,
		CookieName:    a.config.AuthCookieName,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewStatusDispatcher()
	scheduler, err := offline.NewScheduler(offline.SchedulerConfig{
		Access:          a.access,
		RefreshInterval: a.config.RefreshInterval,
		SyncInterval:    a.config.SyncInterval,
		Publisher:       dispatcher,
		Logger:          a.logger.Named("scheduler"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Access:           a.access,
		Scheduler:        scheduler,
		Connectivity:     a.monitor,
		Tables:           a.client,
		Sessions:         validator,
		Events:           dispatcher,
		Tokens:           a.tokens,
		ConnectivityRole: a.config.ConnectivityRole,
		AllowedOrigins:   a.config.AllowedOrigins,
		Logger:           a.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              a.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return a.prober.Run(groupCtx)
	})
	group.Go(func() error {
		return scheduler.Run(groupCtx)
	})
	group.Go(func() error {
		a.logger.Info("server starting", zap.String("address", a.config.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	a.logger.Info("server stopped")
	return err
}
