package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitwit/x402gate"
	"github.com/vitwit/x402gate/config"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/telemetry"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the payment gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log, err := logger.NewZapLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			shutdownTracer, err := telemetry.InitTracer("x402gate", version, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("init tracer: %w", err)
			}
			defer shutdownTracer()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := x402gate.New(ctx, cfg, x402gate.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			handler, err := srv.Router()
			if err != nil {
				return err
			}

			httpSrv := &http.Server{
				Addr:         cfg.Listen,
				Handler:      handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 90 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("x402gate listening", map[string]any{
					"addr":    cfg.Listen,
					"network": cfg.Network.Name,
					"pay_to":  cfg.Network.PayTo,
					"routes":  len(cfg.Routes),
					"store":   cfg.Budget.Store,
				})
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("shutting down gracefully", nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults only when empty)")
	return cmd
}
