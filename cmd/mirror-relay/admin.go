// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aiku/mirror-relay/pkg/admin"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/router"
	"github.com/aiku/mirror-relay/pkg/store"
)

// withAdmin opens the database and runs fn against an admin service
// without a relay controller. Running relays pick the changes up on their
// next sync.
func (f *rootFlags) withAdmin(ctx context.Context, fn func(svc *admin.Service) error) error {
	cfg, log, err := f.load()
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, log, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()
	blocklist, err := store.LoadBlocklist(ctx, db)
	if err != nil {
		return err
	}
	rtr := router.New(log, db, cfg.Delivery.DedupCapacity)
	if err = rtr.Load(ctx); err != nil {
		return err
	}
	idents := identity.NewManager(log, db, cfg.Delivery.Retry)
	if err = idents.Load(ctx, cfg.Identities); err != nil {
		return err
	}
	return fn(admin.NewService(log, admin.Params{
		Store:      db,
		Blocklist:  blocklist,
		Router:     rtr,
		Identities: idents,
	}))
}

func newAdminCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the blocklist, combine rules, layouts and webhooks",
	}

	block := &cobra.Command{
		Use:   "block NAME",
		Short: "Stop mirroring channels with the given name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				added, err := svc.Block(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"channel": args[0], "changed": added})
			})
		},
	}
	unblock := &cobra.Command{
		Use:   "unblock NAME",
		Short: "Resume mirroring channels with the given name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				removed, err := svc.Unblock(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"channel": args[0], "changed": removed})
			})
		},
	}
	blocked := &cobra.Command{
		Use:   "blocked",
		Short: "List blocked channel names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				return printJSON(cmd.OutOrStdout(), svc.Blocked())
			})
		},
	}
	combine := &cobra.Command{
		Use:   "combine [DEST SOURCE...]",
		Short: "Route the given source channels into one destination, or list the rules",
		Long: "Sources are written as identity/channel_id. A bare channel id or * in " +
			"place of the identity matches the channel as seen by any identity. " +
			"Without arguments the current rules are listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return fmt.Errorf("at least one source is required")
			}
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				if len(args) == 0 {
					return printJSON(cmd.OutOrStdout(), svc.CombineRules())
				}
				rules, err := svc.Combine(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rules)
			})
		},
	}
	webhook := &cobra.Command{
		Use:   "webhook DEST [URL]",
		Short: "Set the webhook URL for a destination, or remove it when URL is omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var url string
			if len(args) == 2 {
				url = args[1]
			}
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				if err := svc.SetWebhook(cmd.Context(), args[0], url); err != nil {
					return err
				}
				dests, err := svc.Webhooks(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), dests)
			})
		},
	}

	var limit int
	messages := &cobra.Command{
		Use:   "messages DEST",
		Short: "Print the newest archived messages delivered to a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				msgs, err := svc.RecentMessages(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msgs)
			})
		},
	}
	messages.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of messages to print")

	resetIdentity := &cobra.Command{
		Use:   "reset-identity ID",
		Short: "Clear the failed status of an identity so it is started again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				if err := svc.ResetIdentity(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Identity %s reset\n", args[0])
				return nil
			})
		},
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print blocklist, combine rule, identity and archive statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				return printJSON(cmd.OutOrStdout(), svc.Report(cmd.Context()))
			})
		},
	}

	cmd.AddCommand(block, unblock, blocked, combine, newLayoutCommand(flags), webhook, messages, resetIdentity, stats)
	return cmd
}

func newLayoutCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Capture and restore snapshots of the routing layout",
	}
	capture := &cobra.Command{
		Use:   "capture NAME",
		Short: "Save the current combine rules and blocklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				layout, err := svc.CaptureLayout(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), layout)
			})
		},
	}
	restore := &cobra.Command{
		Use:   "restore NAME",
		Short: "Reapply a saved layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				res, err := svc.RestoreLayout(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved layouts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				layouts, err := svc.Layouts(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), layouts)
			})
		},
	}
	cmd.AddCommand(capture, restore, list)
	return cmd
}
