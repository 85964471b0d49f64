// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ingest turns upstream chat events into queued records: one
// session per identity feeds an ordered worker, and the pipeline classifies,
// filters and compresses each event before handing it to the queue bridge.
package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/classify"
	"github.com/aiku/mirror-relay/pkg/compress"
	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/record"
)

// Result is what the pipeline did with one event.
type Result string

const (
	ResultEnqueued Result = "enqueued"
	ResultFiltered Result = "filtered"
	ResultDropped  Result = "dropped"
	ResultSkipped  Result = "skipped"
)

// DMMirror takes allowed inbound DMs. The relay controller implements it.
type DMMirror interface {
	MirrorInbound(ctx context.Context, dm *record.DMRecord) bool
}

// ContactBook tracks which users an identity has exchanged DMs with.
type ContactBook interface {
	HasDMContact(ctx context.Context, identityID, userID string) (bool, error)
	TouchDMContact(ctx context.Context, identityID, userID, username string) (bool, error)
}

// Params are the dependencies of a Pipeline. Compressor, Fetcher and
// Contacts may be nil.
type Params struct {
	Classifier *classify.Classifier
	Filter     *filter.Engine
	Compressor *compress.Compressor
	Fetcher    Fetcher
	Producer   *queue.Producer
	DMs        DMMirror
	Contacts   ContactBook
}

// Pipeline processes raw events. It holds no per-event state and is safe
// for concurrent use by several workers.
type Pipeline struct {
	log zerolog.Logger
	p   Params
}

func NewPipeline(log zerolog.Logger, p Params) *Pipeline {
	return &Pipeline{
		log: log.With().Str("component", "pipeline").Logger(),
		p:   p,
	}
}

// Handle runs one event observed by ident through the pipeline. checker
// answers mutual-server questions for DMs and may be nil.
func (p *Pipeline) Handle(ctx context.Context, ident *identity.Identity, ev *record.RawEvent, checker filter.MutualServerChecker) Result {
	if ev.Private {
		return p.handleDM(ctx, ident, ev, checker)
	}
	rec := p.p.Classifier.Classify(ev)
	if d := p.p.Filter.Allow(rec, ident); !d.Allowed {
		return ResultFiltered
	}
	p.compressAttachments(ctx, rec)
	if !p.p.Producer.EnqueueMessage(ctx, rec) {
		return ResultDropped
	}
	return ResultEnqueued
}

func (p *Pipeline) handleDM(ctx context.Context, ident *identity.Identity, ev *record.RawEvent, checker filter.MutualServerChecker) Result {
	if !ident.DMMirroring {
		return ResultSkipped
	}
	dm := p.p.Classifier.ClassifyDM(ev)
	if dm.SenderID != "" && dm.SenderID == ident.UserID {
		return ResultSkipped
	}
	log := p.log.With().
		Str("identity_id", ident.ID).
		Str("message_id", dm.MessageID).
		Str("sender_id", dm.SenderID).
		Logger()

	if p.p.Contacts != nil && dm.Kind == record.KindCreate {
		known, err := p.p.Contacts.HasDMContact(ctx, ident.ID, dm.SenderID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to look up DM contact")
		} else {
			dm.FirstContact = !known
		}
	}
	if d := p.p.Filter.ShouldAllowDM(ctx, dm, checker); !d.Allowed {
		return ResultFiltered
	}
	if p.p.Contacts != nil && dm.Kind == record.KindCreate {
		if _, err := p.p.Contacts.TouchDMContact(ctx, ident.ID, dm.SenderID, dm.SenderName); err != nil {
			log.Warn().Err(err).Msg("Failed to record DM contact")
		}
	}
	p.compressAttachments(ctx, &dm.InboundRecord)
	if !p.p.DMs.MirrorInbound(ctx, dm) {
		return ResultDropped
	}
	return ResultEnqueued
}

// compressAttachments replaces oversized image attachments with compressed
// bytes. Attachments that cannot be shrunk keep their URL and are flagged
// oversized; the record is relayed either way.
func (p *Pipeline) compressAttachments(ctx context.Context, rec *record.InboundRecord) {
	if p.p.Compressor == nil || p.p.Fetcher == nil {
		return
	}
	maxSize := int64(p.p.Compressor.MaxSize)
	for i := range rec.Attachments {
		att := &rec.Attachments[i]
		if !att.IsImage() || att.Size <= maxSize {
			continue
		}
		log := p.log.With().
			Str("message_id", rec.MessageID).
			Str("filename", att.Filename).
			Int64("size", att.Size).
			Logger()
		data, err := p.p.Fetcher.Fetch(ctx, att.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to download oversized attachment")
			att.Compression = record.CompressionOversized
			continue
		}
		res, err := p.p.Compressor.Compress(log.WithContext(ctx), data, att.Filename, att.MimeType)
		if err != nil {
			log.Warn().Err(err).Msg("Attachment compression aborted")
			att.Compression = record.CompressionOversized
			continue
		}
		switch res.Status {
		case compress.StatusCompressed:
			att.Data = res.Data
			att.Filename = res.Filename
			att.MimeType = res.MimeType
			att.Size = int64(len(res.Data))
			att.Compression = record.CompressionApplied
		case compress.StatusUnchanged:
			att.Data = data
			att.Size = int64(len(data))
		case compress.StatusSkipped:
			att.Compression = record.CompressionNotAttempt
		default:
			att.Compression = record.CompressionOversized
			log.Warn().
				Int("attempts", len(res.Attempts)).
				Msg("Attachment still over the upload limit after compression")
		}
	}
}
