// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/retry"
)

// Execute runs a single relay command.
func (c *Controller) Execute(ctx context.Context, cmd *record.RelayCommand) error {
	switch cmd.Op {
	case record.CommandSendDM:
		_, err := c.SendDM(ctx, SendRequest{
			RequestID:    cmd.RequestID,
			IdentityID:   cmd.IdentityID,
			TargetUserID: cmd.TargetUserID,
			Content:      cmd.Content,
		})
		return err
	case record.CommandSync:
		return c.RequestSync(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidRequest, cmd.Op)
	}
}

// RunCommands is the single consumer of the relay command queue. Failed
// commands are logged and skipped.
func (c *Controller) RunCommands(ctx context.Context) error {
	log := c.log.With().Str("queue", queue.RelayCommands).Logger()
	log.Info().Msg("Starting relay command consumer")
	defer log.Info().Msg("Relay command consumer stopped")
	for ctx.Err() == nil {
		env, err := c.p.Bridge.Pop(ctx, queue.RelayCommands)
		switch {
		case errors.Is(err, queue.ErrClosed):
			return nil
		case errors.Is(err, record.ErrInvalidEnvelope):
			log.Warn().Err(err).Msg("Dropping malformed command envelope")
			continue
		case err != nil:
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to pop relay command")
			}
		case env == nil:
		case env.Command == nil:
			log.Warn().
				Str("envelope_id", env.ID).
				Str("kind", string(env.Kind)).
				Msg("Dropping non-command envelope")
			continue
		default:
			cmdLog := log.With().
				Str("envelope_id", env.ID).
				Str("request_id", env.Command.RequestID).
				Str("op", string(env.Command.Op)).
				Logger()
			if err = c.Execute(context.WithoutCancel(ctx), env.Command); err != nil {
				cmdLog.Err(err).Msg("Relay command failed")
			} else {
				cmdLog.Debug().Msg("Relay command done")
			}
			continue
		}
		if retry.Sleep(ctx, c.p.CommandPoll) != nil {
			return nil
		}
	}
	return nil
}
