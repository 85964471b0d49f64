// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mirror-relay mirrors messages from monitored chat accounts into
// destination channels. Ingestion and delivery are decoupled by durable
// queues and can run in one process or separately.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/mirror-relay/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type rootFlags struct {
	configPath string
	debug      bool
}

// load reads the config and builds the logger.
func (f *rootFlags) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := cfg.Logger(f.debug)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	zerolog.DefaultContextLogger = log
	return cfg, *log, nil
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "mirror-relay",
		Short:         "Multi-account message mirror and DM relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "Path to the config file")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(
		newRunCommand(flags, roleIngest|roleDeliver, "run", "Run ingestion and delivery in one process"),
		newRunCommand(flags, roleIngest, "ingest", "Run only the ingestion side and the relay controller"),
		newRunCommand(flags, roleDeliver, "deliver", "Run only the delivery consumers"),
		newQueueCommand(flags),
		newAdminCommand(flags),
		newExampleConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mirror-relay %s (commit %s, built %s, %s)\n", Tag, Commit, BuildTime, runtime.Version())
		},
	}
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
		},
	}
}

func printJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
