// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/aiku/mirror-relay/pkg/config"
	"github.com/aiku/mirror-relay/pkg/queue"
)

func newQueueCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the relay queues",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print the length of every queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bridge, err := flags.bridge()
			if err != nil {
				return err
			}
			defer bridge.Close()
			lengths, err := queue.Lengths(cmd.Context(), bridge)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lengths)
		},
	}

	var limit int
	peek := &cobra.Command{
		Use:   "peek [queue]",
		Short: "Print envelopes at the head of a queue without removing them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := queue.MessageQueue
			if len(args) == 1 {
				name = args[0]
			}
			if err := checkQueueName(name); err != nil {
				return err
			}
			bridge, err := flags.bridge()
			if err != nil {
				return err
			}
			defer bridge.Close()
			envs, err := bridge.Peek(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), envs)
		},
	}
	peek.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of envelopes to print")

	clearCmd := &cobra.Command{
		Use:   "clear <queue|all>",
		Short: "Drop every envelope in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := []string{args[0]}
			if args[0] == "all" {
				names = queue.Names
			} else if err := checkQueueName(args[0]); err != nil {
				return err
			}
			bridge, err := flags.bridge()
			if err != nil {
				return err
			}
			defer bridge.Close()
			removed := make(map[string]int, len(names))
			for _, name := range names {
				n, err := bridge.Clear(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("failed to clear %s: %w", name, err)
				}
				removed[name] = n
			}
			return printJSON(cmd.OutOrStdout(), removed)
		},
	}

	cmd.AddCommand(stats, peek, clearCmd)
	return cmd
}

func checkQueueName(name string) error {
	if !slices.Contains(queue.Names, name) {
		return fmt.Errorf("unknown queue %q, expected one of %v", name, queue.Names)
	}
	return nil
}

// bridge opens the configured queue backend for a one-off command.
func (f *rootFlags) bridge() (queue.Bridge, error) {
	cfg, log, err := f.load()
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Backend != config.QueueBackendAMQP {
		return nil, fmt.Errorf("queue commands need a shared backend, %s queues only exist inside a running relay", cfg.Queue.Backend)
	}
	return openBridge(cfg, log), nil
}
