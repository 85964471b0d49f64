// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/record"
	"github.com/aiku/mirror-relay/pkg/relay"
)

const sessionIntents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// Session is the upstream connection of one identity. Gateway events are
// delivered in order and fed to a Worker, so the events of one identity are
// processed sequentially.
type Session struct {
	log        zerolog.Logger
	identityID string
	idents     *identity.Manager
	pipeline   *Pipeline
	contacts   ContactBook
	dg         *discordgo.Session
	worker     *Worker

	ctx context.Context

	mutualLock sync.RWMutex
	mutual     map[string]bool
}

var (
	_ filter.MutualServerChecker = (*Session)(nil)
	_ relay.Sender               = (*Session)(nil)
)

func NewSession(log zerolog.Logger, ident *identity.Identity, idents *identity.Manager, pipeline *Pipeline, contacts ContactBook, buffer int) (*Session, error) {
	dg, err := discordgo.New(ident.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.SyncEvents = true
	dg.StateEnabled = true
	dg.LogLevel = discordgo.LogWarning
	dg.Identify.Intents = sessionIntents

	s := &Session{
		log:        log.With().Str("identity_id", ident.ID).Logger(),
		identityID: ident.ID,
		idents:     idents,
		pipeline:   pipeline,
		contacts:   contacts,
		dg:         dg,
		ctx:        context.Background(),
		mutual:     make(map[string]bool),
	}
	s.worker = NewWorker(s.log, buffer, s.handle)
	dg.AddHandler(s.onMessageCreate)
	dg.AddHandler(s.onMessageUpdate)
	dg.AddHandler(s.onMessageDelete)
	return s, nil
}

// Open connects to the gateway. It matches identity.LoginFunc.
func (s *Session) Open(ctx context.Context, _ *identity.Identity) (*identity.SelfInfo, error) {
	s.ctx = ctx
	if err := s.dg.Open(); err != nil {
		return nil, err
	}
	self := s.dg.State.User
	if self == nil {
		_ = s.dg.Close()
		return nil, fmt.Errorf("gateway ready without user")
	}
	s.log.Info().
		Str("user_id", self.ID).
		Str("username", self.Username).
		Int("guilds", len(s.dg.State.Guilds)).
		Msg("Session connected")
	return &identity.SelfInfo{UserID: self.ID, Username: self.Username}, nil
}

// Run processes events until ctx is done, then closes the connection.
func (s *Session) Run(ctx context.Context) {
	s.worker.Run(ctx)
	if err := s.dg.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close session")
	}
}

func (s *Session) handle(ctx context.Context, ev *record.RawEvent) {
	ident, ok := s.idents.Get(s.identityID)
	if !ok {
		return
	}
	result := s.pipeline.Handle(ctx, ident, ev, s)
	s.log.Trace().
		Str("message_id", ev.MessageID).
		Str("kind", string(ev.Kind)).
		Str("result", string(result)).
		Msg("Handled event")
}

func (s *Session) submit(ev *record.RawEvent, err error) {
	if err != nil {
		s.log.Err(err).Msg("Failed to parse event")
		return
	} else if ev == nil {
		return
	}
	if err = s.worker.Submit(s.ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("message_id", ev.MessageID).Msg("Dropping event, worker not accepting")
	}
}

func (s *Session) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	s.submit(s.parseMessageEvent(record.KindCreate, m.Message))
}

func (s *Session) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	s.submit(s.parseMessageEvent(record.KindUpdate, m.Message))
}

func (s *Session) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	msg := m.Message
	if m.BeforeDelete != nil {
		msg = m.BeforeDelete
	}
	s.submit(s.parseMessageEvent(record.KindDelete, msg))
}

// parseMessageEvent converts a gateway message, applying echo prevention.
// Returns (nil, nil) to skip silently, (nil, err) to log an error, or
// (event, nil) to proceed.
func (s *Session) parseMessageEvent(kind record.Kind, msg *discordgo.Message) (*record.RawEvent, error) {
	if msg == nil {
		return nil, nil
	} else if msg.ID == "" || msg.ChannelID == "" {
		return nil, fmt.Errorf("%s event without message or channel id", kind)
	}
	if msg.Author == nil {
		// Embed unfurls arrive as partial updates without an author.
		if kind == record.KindUpdate {
			return nil, nil
		}
	} else {
		if self := s.dg.State.User; self != nil && msg.Author.ID == self.ID {
			return nil, nil
		}
		// Echo prevention: messages authored by any of our identities.
		if s.idents.IsOwnUser(msg.Author.ID) {
			return nil, nil
		}
	}
	return convertMessage(s.dg.State, s.identityID, kind, msg), nil
}

// HasMutualServer reports whether userID is a member of one of the
// identity's monitored servers. Answers are cached until ClearCache.
func (s *Session) HasMutualServer(ctx context.Context, identityID, userID string) (bool, error) {
	if identityID != s.identityID {
		return false, fmt.Errorf("session of %s asked about %s", s.identityID, identityID)
	}
	s.mutualLock.RLock()
	cached, ok := s.mutual[userID]
	s.mutualLock.RUnlock()
	if ok {
		return cached, nil
	}
	ident, ok := s.idents.Get(s.identityID)
	if !ok {
		return false, fmt.Errorf("%w: %s", identity.ErrNotFound, s.identityID)
	}
	shared := false
	for _, guildID := range ident.ServerIDs() {
		if _, err := s.dg.State.Member(guildID, userID); err == nil {
			shared = true
			break
		}
		_, err := s.dg.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err == nil {
			shared = true
			break
		} else if !isUnknownMember(err) {
			return false, fmt.Errorf("failed to look up member of %s: %w", guildID, err)
		}
	}
	s.mutualLock.Lock()
	s.mutual[userID] = shared
	s.mutualLock.Unlock()
	return shared, nil
}

func isUnknownMember(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMember {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// ClearCache forgets cached mutual-server answers.
func (s *Session) ClearCache() {
	s.mutualLock.Lock()
	s.mutual = make(map[string]bool)
	s.mutualLock.Unlock()
}

// SendDM opens a DM channel with userID and sends content.
func (s *Session) SendDM(ctx context.Context, userID, content string) (string, error) {
	ch, err := s.dg.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to open DM channel: %w", err)
	}
	msg, err := s.dg.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if s.contacts != nil {
		// Replies to a DM we sent are not unsolicited.
		if _, err = s.contacts.TouchDMContact(ctx, s.identityID, userID, ""); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record DM contact")
		}
	}
	return msg.ID, nil
}
