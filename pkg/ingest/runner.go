// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/relay"
)

// SenderRegistry receives the sessions that can send DMs.
type SenderRegistry interface {
	RegisterSender(identityID string, sender relay.Sender)
	UnregisterSender(identityID string)
}

// Runner starts one session per active identity. A failing identity is
// marked failed and never affects the others.
type Runner struct {
	log      zerolog.Logger
	idents   *identity.Manager
	pipeline *Pipeline
	contacts ContactBook
	senders  SenderRegistry
	buffer   int

	lock     sync.RWMutex
	sessions map[string]*Session
}

func NewRunner(log zerolog.Logger, idents *identity.Manager, pipeline *Pipeline, contacts ContactBook, senders SenderRegistry, buffer int) *Runner {
	log = log.With().Str("component", "ingest").Logger()
	discordgo.Logger = discordLogger(log.With().Str("component", "discordgo").Logger())
	return &Runner{
		log:      log,
		idents:   idents,
		pipeline: pipeline,
		contacts: contacts,
		senders:  senders,
		buffer:   buffer,
		sessions: make(map[string]*Session),
	}
}

func discordLogger(log zerolog.Logger) func(msgL, caller int, format string, a ...any) {
	return func(msgL, caller int, format string, a ...any) {
		evt := log.Debug()
		switch msgL {
		case discordgo.LogError:
			evt = log.Error()
		case discordgo.LogWarning:
			evt = log.Warn()
		case discordgo.LogInformational:
			evt = log.Info()
		}
		evt.Msgf(format, a...)
	}
}

// Run starts the sessions and blocks until all of them stopped.
func (r *Runner) Run(ctx context.Context) error {
	active := r.idents.Active()
	if len(active) == 0 {
		r.log.Warn().Msg("No active identities to start")
	}
	var wg sync.WaitGroup
	for _, ident := range active {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runIdentity(ctx, ident)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) runIdentity(ctx context.Context, ident *identity.Identity) {
	log := r.log.With().Str("identity_id", ident.ID).Logger()
	sess, err := NewSession(r.log, ident, r.idents, r.pipeline, r.contacts, r.buffer)
	if err != nil {
		log.Err(err).Msg("Failed to create session")
		if err = r.idents.MarkFailed(ctx, ident.ID, err); err != nil {
			log.Warn().Err(err).Msg("Failed to persist identity failure")
		}
		return
	}
	if _, err = r.idents.Login(ctx, ident.ID, sess.Open); err != nil {
		return
	}

	r.lock.Lock()
	r.sessions[ident.ID] = sess
	r.lock.Unlock()
	if r.senders != nil {
		r.senders.RegisterSender(ident.ID, sess)
	}
	defer func() {
		if r.senders != nil {
			r.senders.UnregisterSender(ident.ID)
		}
		r.lock.Lock()
		delete(r.sessions, ident.ID)
		r.lock.Unlock()
	}()
	sess.Run(ctx)
	log.Info().Int64("handled", sess.worker.Handled()).Msg("Session stopped")
}

// ClearCaches drops the mutual-server caches of every running session. It
// matches relay.SyncFunc.
func (r *Runner) ClearCaches(_ context.Context) error {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, sess := range r.sessions {
		sess.ClearCache()
	}
	return nil
}

// Running returns the ids of identities with a connected session.
func (r *Runner) Running() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
