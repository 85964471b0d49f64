// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package identity tracks the upstream accounts used for ingestion: their
// monitored servers and exclusion sets, and whether their sessions are
// usable.
package identity

import (
	"sort"
	"time"

	"go.mau.fi/util/exsync"
)

// Status is the lifecycle state of an identity.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusFailed   Status = "failed"
)

// ServerConfig is the per-server configuration of an identity. A server
// present in the identity's Servers map is monitored.
type ServerConfig struct {
	Name               string   `yaml:"name" json:"name"`
	ExcludedCategories []string `yaml:"excluded_categories" json:"excluded_categories"`
	ExcludedChannels   []string `yaml:"excluded_channels" json:"excluded_channels"`

	excludedCategories *exsync.Set[string]
	excludedChannels   *exsync.Set[string]
}

// Init builds the exclusion sets. It must be called before the config is
// shared; later calls are no-ops.
func (s *ServerConfig) Init() {
	if s.excludedCategories == nil {
		s.excludedCategories = exsync.NewSetWithItems(s.ExcludedCategories)
	}
	if s.excludedChannels == nil {
		s.excludedChannels = exsync.NewSetWithItems(s.ExcludedChannels)
	}
}

// CategoryExcluded reports whether the category id is excluded.
func (s *ServerConfig) CategoryExcluded(categoryID string) bool {
	if s.excludedCategories == nil {
		s.Init()
	}
	return categoryID != "" && s.excludedCategories.Has(categoryID)
}

// ChannelExcluded reports whether the channel id is excluded.
func (s *ServerConfig) ChannelExcluded(channelID string) bool {
	if s.excludedChannels == nil {
		s.Init()
	}
	return channelID != "" && s.excludedChannels.Has(channelID)
}

// Identity is one monitored upstream account. Values handed out by the
// Manager are snapshots: state changes replace the snapshot rather than
// mutating it.
type Identity struct {
	ID    string `yaml:"id" json:"id"`
	Token string `yaml:"token" json:"-"`
	// DMMirroring enables relaying of direct messages received by this
	// identity.
	DMMirroring bool                     `yaml:"dm_mirroring" json:"dm_mirroring"`
	Servers     map[string]*ServerConfig `yaml:"servers" json:"servers"`

	Status      Status     `yaml:"status,omitempty" json:"status"`
	LastError   string     `yaml:"-" json:"last_error,omitempty"`
	LastSuccess *time.Time `yaml:"-" json:"last_success,omitempty"`
	LastFailure *time.Time `yaml:"-" json:"last_failed_attempt,omitempty"`
	UserID      string     `yaml:"-" json:"user_id,omitempty"`
	Username    string     `yaml:"-" json:"username,omitempty"`
}

// Init prepares the server configs for concurrent reads.
func (i *Identity) Init() {
	if i.Status == "" {
		i.Status = StatusActive
	}
	for _, srv := range i.Servers {
		srv.Init()
	}
}

// Server returns the config of a monitored server.
func (i *Identity) Server(serverID string) (*ServerConfig, bool) {
	srv, ok := i.Servers[serverID]
	return srv, ok && srv != nil
}

// ServerIDs returns the monitored server ids in sorted order.
func (i *Identity) ServerIDs() []string {
	ids := make([]string, 0, len(i.Servers))
	for id := range i.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Usable reports whether the identity should be started.
func (i *Identity) Usable() bool {
	return i.Status != StatusDisabled && i.Status != StatusFailed && i.Token != ""
}

func (i *Identity) clone() *Identity {
	cp := *i
	return &cp
}
