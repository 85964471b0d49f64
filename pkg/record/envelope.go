// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package record

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mau.fi/util/jsontime"
)

// EnvelopeKind tags the payload carried by an Envelope.
type EnvelopeKind string

const (
	EnvelopeMessage EnvelopeKind = "message"
	EnvelopeDM      EnvelopeKind = "dm"
	EnvelopeCommand EnvelopeKind = "relay_command"
)

// ErrInvalidEnvelope is returned by Validate for malformed envelopes.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// CommandOp is the operation requested by a RelayCommand.
type CommandOp string

const (
	CommandSendDM CommandOp = "send_dm"
	CommandSync   CommandOp = "sync"
)

// RelayCommand asks the relay controller to act on behalf of an identity.
type RelayCommand struct {
	RequestID    string    `json:"request_id"`
	Op           CommandOp `json:"op"`
	IdentityID   string    `json:"identity_id,omitempty"`
	TargetUserID string    `json:"target_user_id,omitempty"`
	Content      string    `json:"content,omitempty"`
}

// Envelope is the unit carried by the queue bridge. Exactly one payload is
// set and it matches Kind.
type Envelope struct {
	ID         string             `json:"id"`
	Kind       EnvelopeKind       `json:"kind"`
	ProducedAt jsontime.UnixMilli `json:"produced_at"`

	Message *InboundRecord `json:"message,omitempty"`
	DM      *DMRecord      `json:"dm,omitempty"`
	Command *RelayCommand  `json:"command,omitempty"`
}

func newEnvelope(kind EnvelopeKind) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		ProducedAt: jsontime.UnixMilliNow(),
	}
}

// NewMessageEnvelope wraps a server-channel record.
func NewMessageEnvelope(rec *InboundRecord) *Envelope {
	env := newEnvelope(EnvelopeMessage)
	env.Message = rec
	return env
}

// NewDMEnvelope wraps a direct-message record.
func NewDMEnvelope(dm *DMRecord) *Envelope {
	env := newEnvelope(EnvelopeDM)
	env.DM = dm
	return env
}

// NewCommandEnvelope wraps a relay command. A missing request id is
// generated.
func NewCommandEnvelope(cmd *RelayCommand) *Envelope {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	env := newEnvelope(EnvelopeCommand)
	env.Command = cmd
	return env
}

// Validate checks that the envelope carries exactly the payload its kind
// names.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEnvelope)
	}
	set := 0
	for _, present := range []bool{e.Message != nil, e.DM != nil, e.Command != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrInvalidEnvelope, set)
	}
	switch e.Kind {
	case EnvelopeMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: message envelope without message", ErrInvalidEnvelope)
		}
	case EnvelopeDM:
		if e.DM == nil {
			return fmt.Errorf("%w: dm envelope without dm", ErrInvalidEnvelope)
		}
	case EnvelopeCommand:
		if e.Command == nil {
			return fmt.Errorf("%w: command envelope without command", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}
