// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	User string // overrides SCORESYNC_USER_ID for client commands
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "scoresync",
		Short:         "Offline-first practice and quiz score sync",
		Long:          "Runs the score sync server, or acts as a local client that records attempts offline and reconciles them with the server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.User, "user", "", "user id for client commands")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newRecordCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
