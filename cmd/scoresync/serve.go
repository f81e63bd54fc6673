// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-scoresync/internal/config"
	"github.com/mobiletoly/go-scoresync/internal/logging"
	"github.com/mobiletoly/go-scoresync/internal/server"
	"github.com/mobiletoly/go-scoresync/scoresync"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
			if err != nil {
				return err
			}
			defer closer.Close()

			components, err := server.SetupServer(&server.ServerConfig{
				DatabaseURL:  cfg.DatabaseURL,
				JWTSecret:    cfg.JWTSecret,
				Logger:       logger,
				MaxHistory:   cfg.MaxHistory,
				MaxBatchSize: cfg.MaxBatchSize,
				StageMetrics: cfg.StageMetrics,
				AccessLog:    cfg.AccessLog,
			})
			if err != nil {
				return fmt.Errorf("failed to setup server: %w", err)
			}
			defer components.Close()

			httpServer := &http.Server{
				Addr:         cfg.Addr,
				Handler:      components.Handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting score sync server", "addr", httpServer.Addr)
				logger.Info("  GET|POST|DELETE /progress     - practice history")
				logger.Info("  GET|POST|DELETE /quiz-scores  - quiz scores")
				logger.Info("  POST /dummy-signin            - obtain a JWT (user/device)")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-quit:
			}

			logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("Server exited")
			return nil
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var device string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.User == "" {
				return errors.New("--user is required")
			}
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			tok, err := scoresync.NewJWTAuth(cfg.JWTSecret).GenerateToken(opts.User, device, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&device, "device", "cli", "device id (did claim)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
