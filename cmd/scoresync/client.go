// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-scoresync/internal/config"
	"github.com/mobiletoly/go-scoresync/internal/logging"
	"github.com/mobiletoly/go-scoresync/scorelite"
	"github.com/mobiletoly/go-scoresync/scores"
	"github.com/mobiletoly/go-scoresync/scoresync"
)

// client bundles the local store and coordinator for one CLI invocation
type client struct {
	store       *scorelite.LocalStore
	coordinator *scorelite.Coordinator
	logger      *slog.Logger
	closers     []io.Closer
}

func (c *client) Close() {
	c.coordinator.Stop()
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i].Close()
	}
}

func openClient(ctx context.Context, opts *rootOptions) (*client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if opts.User != "" {
		cfg.UserID = opts.User
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id required (--user or SCORESYNC_USER_ID)")
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	store, err := scorelite.OpenLocalStore(cfg.SQLiteFile, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	closers := []io.Closer{logCloser, store}

	deviceID, err := store.EnsureDeviceID(ctx, cfg.UserID)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	token := tokenSource(cfg, deviceID)
	remote := scorelite.NewHTTPRemote(cfg.ServerURL, token, &http.Client{Timeout: cfg.HTTPTimeout}, logger)
	coordinator, err := scorelite.NewCoordinator(store, remote, &scorelite.Config{
		MaxHistory:   cfg.MaxHistory,
		SyncInterval: cfg.SyncInterval,
	}, logger)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	logger.Debug("Client ready", "user", cfg.UserID, "device", deviceID, "db", cfg.SQLiteFile)
	return &client{store: store, coordinator: coordinator, logger: logger, closers: closers}, nil
}

// tokenSource uses the configured token, or mints one with the shared secret
func tokenSource(cfg *config.Client, deviceID string) scorelite.TokenFunc {
	if cfg.Token != "" {
		return func(context.Context) (string, error) { return cfg.Token, nil }
	}
	if cfg.JWTSecret == "" {
		return func(context.Context) (string, error) { return "", scorelite.ErrNoToken }
	}
	auth := scoresync.NewJWTAuth(cfg.JWTSecret)
	return func(context.Context) (string, error) {
		return auth.GenerateToken(cfg.UserID, deviceID, cfg.TokenExpiry)
	}
}

func parseKindArg(args []string) ([]scores.Kind, error) {
	if len(args) == 0 || args[0] == "all" {
		return scores.Kinds, nil
	}
	switch k := scores.Kind(args[0]); k {
	case scores.KindPractice, scores.KindQuiz:
		return []scores.Kind{k}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q (practice|quiz|all)", args[0])
	}
}

func newRecordCommand(opts *rootOptions) *cobra.Command {
	var task, section, module string
	var score, total int
	var at int64

	cmd := &cobra.Command{
		Use:       "record practice|quiz",
		Short:     "Record a finished attempt locally and push it when possible",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(scores.KindPractice), string(scores.KindQuiz)},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			group := scores.PracticeKey(task)
			if scores.Kind(args[0]) == scores.KindQuiz {
				group = scores.QuizKey(section, module)
			}
			ts := time.Now()
			if at > 0 {
				ts = scores.FromMillis(at)
			}
			attempt := scores.NewAttempt(group, score, total, ts)
			if err := c.coordinator.RecordAttempt(ctx, attempt); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"identity": attempt.Identity(),
				"status":   c.coordinator.Status(),
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "practice task type")
	cmd.Flags().StringVar(&section, "section", "", "quiz section id")
	cmd.Flags().StringVar(&module, "module", "", "quiz module id")
	cmd.Flags().IntVar(&score, "score", 0, "points scored")
	cmd.Flags().IntVar(&total, "total", 0, "points available")
	cmd.Flags().Int64Var(&at, "at", 0, "finish time in epoch milliseconds (default now)")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local cache with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			if !watch {
				return printJSON(cmd.OutOrStdout(), c.coordinator.Sync(ctx))
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := c.coordinator.Start(ctx); err != nil {
				return err
			}
			c.logger.Info("Background sync running, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing every sync_interval until interrupted")
	return cmd
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	var task, section, module string
	cmd := &cobra.Command{
		Use:   "clear [practice|quiz|all]",
		Short: "Clear attempts locally and (best-effort) on the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKindArg(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := openClient(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			if len(kinds) > 1 {
				c.coordinator.ClearEverything(ctx)
				return nil
			}
			var group *scores.GroupKey
			switch {
			case kinds[0] == scores.KindPractice && task != "":
				g := scores.PracticeKey(task)
				group = &g
			case kinds[0] == scores.KindQuiz && (section != "" || module != ""):
				g := scores.QuizKey(section, module)
				group = &g
			}
			return c.coordinator.ClearAll(ctx, kinds[0], group)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only clear this practice task")
	cmd.Flags().StringVar(&section, "section", "", "only clear this quiz section (with --module)")
	cmd.Flags().StringVar(&module, "module", "", "only clear this quiz module (with --section)")
	return cmd
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "show [practice|quiz|all]",
		Short: "Print cached attempts, or the outbox with --pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKindArg(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := openClient(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			if pending {
				entries, err := c.coordinator.Pending(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}
			out := make(map[scores.Kind]scores.RecordSet, len(kinds))
			for _, kind := range kinds {
				out[kind] = c.coordinator.Records(ctx, kind)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "show queued attempts instead of the cache")
	return cmd
}
