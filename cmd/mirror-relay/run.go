// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/mirror-relay/pkg/admin"
	"github.com/aiku/mirror-relay/pkg/classify"
	"github.com/aiku/mirror-relay/pkg/compress"
	"github.com/aiku/mirror-relay/pkg/config"
	"github.com/aiku/mirror-relay/pkg/deliver"
	"github.com/aiku/mirror-relay/pkg/filter"
	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/ingest"
	"github.com/aiku/mirror-relay/pkg/queue"
	"github.com/aiku/mirror-relay/pkg/relay"
	"github.com/aiku/mirror-relay/pkg/router"
	"github.com/aiku/mirror-relay/pkg/store"
)

type role int

const (
	roleIngest role = 1 << iota
	roleDeliver
)

const syncJobTimeout = 2 * time.Minute

func newRunCommand(flags *rootFlags, roles role, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if roles != roleIngest|roleDeliver && cfg.Queue.Backend == config.QueueBackendMemory {
				return fmt.Errorf("the memory queue backend requires ingestion and delivery in one process, use run")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.run(ctx, roles)
		},
	}
}

// app holds the components shared by both sides of the relay.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *store.Store
	bridge    queue.Bridge
	idents    *identity.Manager
	blocklist *store.Blocklist
	filter    *filter.Engine
	router    *router.Router

	syncs []relay.SyncFunc
}

func openBridge(cfg *config.Config, log zerolog.Logger) queue.Bridge {
	if cfg.Queue.Backend == config.QueueBackendMemory {
		return queue.NewMemory()
	}
	return queue.NewAMQP(log, cfg.Queue.AMQP)
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	db, err := store.Open(ctx, log, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, log: log, store: db}
	if err = rt.init(ctx); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *app) init(ctx context.Context) (err error) {
	rt.idents = identity.NewManager(rt.log, rt.store, rt.cfg.Delivery.Retry)
	if err = rt.idents.Load(ctx, rt.cfg.Identities); err != nil {
		return fmt.Errorf("failed to load identities: %w", err)
	}
	if rt.blocklist, err = store.LoadBlocklist(ctx, rt.store); err != nil {
		return err
	}
	if rt.filter, err = filter.NewEngine(rt.log, rt.cfg.RuleTables(), rt.blocklist); err != nil {
		return err
	}
	rt.router = router.New(rt.log, rt.store, rt.cfg.Delivery.DedupCapacity)
	if err = rt.router.Load(ctx); err != nil {
		return err
	}
	rt.bridge = openBridge(rt.cfg, rt.log)
	return nil
}

func (rt *app) close() {
	if rt.bridge != nil {
		if err := rt.bridge.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("Failed to close queue bridge")
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("Failed to close database")
	}
}

// run starts the components of the given roles and blocks until ctx is
// done or one of them fails. In-flight work then gets the shutdown grace
// period to finish.
func (rt *app) run(ctx context.Context, roles role) error {
	g, gctx := errgroup.WithContext(ctx)
	if roles&roleIngest != 0 {
		rt.startIngest(gctx, g)
	}
	if roles&roleDeliver != 0 {
		rt.startDeliver(gctx, g)
	}
	if sched := rt.cfg.Schedule(); sched != nil {
		rt.startCron(gctx, g, sched)
	}
	rt.log.Info().
		Bool("ingest", roles&roleIngest != 0).
		Bool("deliver", roles&roleDeliver != 0).
		Str("queue_backend", rt.cfg.Queue.Backend).
		Msg("Relay started")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-gctx.Done():
	}
	rt.log.Info().Dur("grace", rt.cfg.ShutdownGrace).Msg("Shutting down, waiting for in-flight work")
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		rt.log.Info().Msg("Shutdown complete")
		return nil
	case <-time.After(rt.cfg.ShutdownGrace):
		rt.log.Warn().Msg("Shutdown grace period expired, abandoning in-flight work")
		return nil
	}
}

func (rt *app) startIngest(ctx context.Context, g *errgroup.Group) {
	producer := queue.NewProducer(rt.log, rt.bridge, rt.cfg.Queue.PushTimeout)
	controller := relay.NewController(rt.log, relay.Params{
		Identities:  rt.idents,
		Producer:    producer,
		Bridge:      rt.bridge,
		KV:          rt.store,
		FilterStats: rt.filter.Stats(),
		OutcomeTTL:  rt.cfg.Relay.OutcomeTTL,
		CommandPoll: rt.cfg.Relay.CommandPoll,
	})
	params := ingest.Params{
		Classifier: classify.New(rt.log, rt.cfg.SinkIdentities),
		Filter:     rt.filter,
		Producer:   producer,
		DMs:        controller,
		Contacts:   rt.store,
	}
	if rt.cfg.Compression.Enabled {
		params.Compressor = compress.New(rt.cfg.Compression.MaxSize)
		params.Fetcher = ingest.NewHTTPFetcher(rt.cfg.Compression.FetchTimeout, 0)
	}
	pipeline := ingest.NewPipeline(rt.log, params)
	runner := ingest.NewRunner(rt.log, rt.idents, pipeline, rt.store, controller, rt.cfg.Ingest.WorkerBuffer)
	controller.OnSync(runner.ClearCaches)
	controller.OnSync(rt.blocklist.Reload)
	rt.syncs = append(rt.syncs, controller.RequestSync)

	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return controller.RunCommands(ctx) })
	if rt.cfg.Admin.Enabled {
		svc := admin.NewService(rt.log, admin.Params{
			Store:      rt.store,
			Blocklist:  rt.blocklist,
			Router:     rt.router,
			Filter:     rt.filter,
			Relay:      controller,
			Bridge:     rt.bridge,
			Identities: rt.idents,
			Ingest:     ingestStatus{runner, producer},
		})
		server := admin.NewServer(rt.log, rt.cfg.Admin.Addr, svc)
		g.Go(func() error { return server.Run(ctx) })
	}
}

// ingestStatus combines the session list of the runner with the push
// counters of the producer for the admin report.
type ingestStatus struct {
	*ingest.Runner
	*queue.Producer
}

func (rt *app) newSink() deliver.Sink {
	d := rt.cfg.Delivery
	if d.Mode == config.DeliveryModeProcessor {
		return deliver.NewHTTPSink(rt.log, d.ProcessorURL, d.RequestTimeout, d.Retry)
	}
	return deliver.NewWebhookSink(rt.log, rt.store, d.RequestTimeout, d.Retry)
}

func (rt *app) startDeliver(ctx context.Context, g *errgroup.Group) {
	sink := rt.newSink()
	for _, name := range []string{queue.MessageQueue, queue.DMQueue} {
		consumer := deliver.NewConsumer(rt.log, name, rt.bridge, rt.router, sink, rt.store, rt.cfg.Delivery.Options)
		g.Go(func() error { return consumer.Run(ctx) })
	}
	rt.syncs = append(rt.syncs, rt.router.Load)
}

// startCron runs the periodic resync and database pruning.
func (rt *app) startCron(ctx context.Context, g *errgroup.Group, sched cron.Schedule) {
	log := rt.log.With().Str("component", "cron").Logger()
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		jobCtx, cancel := context.WithTimeout(ctx, syncJobTimeout)
		defer cancel()
		rt.periodicSync(log.WithContext(jobCtx))
	}))
	g.Go(func() error {
		c.Start()
		log.Info().Str("schedule", rt.cfg.SyncSchedule).Time("next_run", sched.Next(time.Now())).Msg("Started sync schedule")
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
}

func (rt *app) periodicSync(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	for _, sync := range rt.syncs {
		if err := sync(ctx); err != nil {
			log.Warn().Err(err).Msg("Scheduled sync failed")
		}
	}
	if retention := rt.cfg.Database.MessageRetention; retention > 0 {
		pruned, err := rt.store.PruneMessages(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune archived messages")
		} else if pruned > 0 {
			log.Info().Int64("pruned", pruned).Msg("Pruned archived messages")
		}
	}
	if _, err := rt.store.PruneKeys(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to prune expired keys")
	}
}
