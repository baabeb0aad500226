// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app assembles the triage agent from its configuration. It is
// shared by the server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mailki/agent/internal/api"
	"github.com/mailki/agent/internal/auth"
	"github.com/mailki/agent/internal/config"
	"github.com/mailki/agent/internal/dedup"
	"github.com/mailki/agent/internal/generator"
	"github.com/mailki/agent/internal/ingest"
	"github.com/mailki/agent/internal/lifecycle"
	"github.com/mailki/agent/internal/mailbox"
	"github.com/mailki/agent/internal/models"
	"github.com/mailki/agent/internal/policy"
	"github.com/mailki/agent/internal/queue"
	"github.com/mailki/agent/internal/review"
	"github.com/mailki/agent/internal/store"
	"github.com/mailki/agent/internal/sync"
)

// App holds the wired components.
type App struct {
	Config      *config.Config
	Store       store.Store
	Policies    *policy.Registry
	Gateway     mailbox.Gateway
	Manager     *lifecycle.Manager
	Poller      *ingest.Poller
	Coordinator *sync.Coordinator
	Slack       *review.Slack // nil when the review channel is not configured
	Events      *queue.Publisher

	seen    review.Seen
	checks  []api.Check
	closers []func()
}

// Options override components, mainly for tests.
type Options struct {
	Store   store.Store
	Gateway mailbox.Gateway
	Redis   redis.Cmdable
}

// Build connects to the backing services and wires every component.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	if err := a.openStore(ctx, opts.Store); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.seedMailboxes(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Policies = policy.NewRegistry(nil)
	if err := a.Policies.Reload(ctx, a.Store); err != nil {
		slog.Warn("starting with empty policy tables", "error", err)
	}

	gw, err := a.openGateway(opts.Gateway)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway = gw

	ledger, err := a.openRedis(ctx, opts.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	var client generator.Client
	if cfg.Generator.APIKey != "" {
		client = generator.NewClaudeClient(generator.ClaudeConfig{
			APIKey:    cfg.Generator.APIKey,
			Model:     cfg.Generator.Model,
			MaxTokens: cfg.Generator.MaxTokens,
		})
	} else {
		slog.Warn("no generator API key configured, drafts use the placeholder reply")
	}

	lcCfg := lifecycle.Config{
		Store:     a.Store,
		Generator: generator.NewAdapter(client, cfg.Generator.Timeout),
		Gateway:   a.Gateway,
		Ledger:    ledger,
		Policies:  a.Policies,
		Timeout:   cfg.ExternalTimeout,
	}
	if a.Events != nil {
		lcCfg.Events = a.Events
	}
	a.Manager = lifecycle.NewManager(lcCfg)

	if cfg.Slack.BotToken != "" && cfg.Slack.Channel != "" {
		a.Slack = review.NewSlack(review.SlackConfig{
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
			Timeout:  cfg.ExternalTimeout,
		})
	} else {
		slog.Warn("slack bot token or approval channel missing, drafts are not posted for review")
	}

	a.Poller = ingest.NewPoller(ingest.PollerConfig{
		Store:   a.Store,
		Gateway: a.Gateway,
		Timeout: cfg.ExternalTimeout,
	})

	coordCfg := sync.CoordinatorConfig{
		Store:       a.Store,
		Fetcher:     a.Poller,
		Drafts:      a.Manager,
		Gateway:     a.Gateway,
		Reload:      func(ctx context.Context) error { return a.Policies.Reload(ctx, a.Store) },
		CallTimeout: cfg.ExternalTimeout,
	}
	if a.Slack != nil {
		coordCfg.Notifier = a.Slack
	}
	a.Coordinator = sync.NewCoordinator(coordCfg)

	return a, nil
}

func (a *App) openStore(ctx context.Context, override store.Store) error {
	if override != nil {
		a.Store = override
		return nil
	}
	if a.Config.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		a.Store = store.NewMemory()
		return nil
	}

	pool, err := pgxpool.New(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	pg, err := store.NewPostgres(ctx, pool)
	if err != nil {
		return fmt.Errorf("initialise store: %w", err)
	}
	a.Store = pg
	a.checks = append(a.checks, api.Check{Name: "postgres", Ping: pool.Ping})
	return nil
}

func (a *App) seedMailboxes(ctx context.Context) error {
	for _, mc := range a.Config.Mailboxes {
		mb := &models.Mailbox{
			ID:             mc.ID,
			UserID:         mc.UserID,
			Address:        mc.Address,
			Provider:       "gmail",
			CredentialsRef: mc.CredentialsRef,
			Active:         true,
		}
		err := a.Store.CreateMailbox(ctx, mb)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("register mailbox %s: %w", mc.Address, err)
		}
		slog.Info("mailbox registered", "mailbox", mc.Address, "id", mb.ID)
	}
	return nil
}

func (a *App) openGateway(override mailbox.Gateway) (mailbox.Gateway, error) {
	if override != nil {
		return override, nil
	}
	g := a.Config.Google
	factory, err := auth.NewGmailServiceFactory(auth.GmailConfig{
		CredentialsFile: g.CredentialsFile,
		ClientID:        g.ClientID,
		ClientSecret:    g.ClientSecret,
		TokenDir:        g.TokenDir,
	})
	if err != nil {
		return nil, fmt.Errorf("gmail credentials: %w", err)
	}
	return mailbox.NewGmail(mailbox.GmailConfig{
		Services:   factory.Service,
		MaxResults: g.MaxResults,
	}), nil
}

// openRedis wires the dedup filter, send ledger and event feed. Without a
// Redis URL the in-process variants are used and no events are published.
func (a *App) openRedis(ctx context.Context, override redis.Cmdable) (lifecycle.Ledger, error) {
	rdb := override
	if rdb == nil && a.Config.RedisURL != "" {
		opt, err := redis.ParseURL(a.Config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		a.closers = append(a.closers, func() { client.Close() })
		rdb = client
	}

	if rdb == nil {
		slog.Warn("REDIS_URL not set, send ledger and callback dedup are process-local")
		a.seen = dedup.NewMemoryFilter(0)
		return dedup.NewMemoryLedger(), nil
	}

	a.Events = queue.NewPublisher(rdb, a.Config.EventsQueue)
	if err := a.Events.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("connected to Redis")
	a.checks = append(a.checks, api.Check{Name: "redis", Ping: a.Events.Ping})

	a.seen = dedup.NewFilter(rdb, dedup.FilterConfig{Prefix: a.Config.DedupPrefix})
	return dedup.NewLedger(rdb, dedup.LedgerConfig{Prefix: a.Config.LedgerPrefix}), nil
}

// InteractionHandler builds the review channel webhook. It fails when the
// signing secret or the Slack client is missing.
func (a *App) InteractionHandler() (*review.Handler, error) {
	verifier, err := review.NewVerifier(a.Config.Slack.SigningSecret)
	if err != nil {
		return nil, err
	}
	if a.Slack == nil {
		return nil, errors.New("slack bot token and approval channel are required for interactions")
	}
	tokens := review.NewTokenSigner(a.Config.Slack.SigningSecret)
	return review.NewHandler(review.HandlerConfig{
		Verifier:   verifier,
		Dispatcher: review.NewDispatcher(a.Manager, a.Slack, tokens),
		Seen:       a.seen,
		Responder:  a.Slack,
	}), nil
}

// API builds the operator HTTP server. interactions may be nil.
func (a *App) API(interactions *review.Handler) *api.Server {
	cfg := api.Config{
		Cycles: a.Coordinator,
		Drafts: a.Manager,
		Checks: a.checks,
	}
	if interactions != nil {
		cfg.Interactions = interactions.ServeInteraction
	}
	return api.NewServer(cfg)
}

// Scheduler returns the background sync loop.
func (a *App) Scheduler() *sync.Scheduler {
	return sync.NewScheduler(a.Coordinator, a.Config.PollInterval)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ShutdownTimeout returns the configured grace period.
func (a *App) ShutdownTimeout() time.Duration {
	return a.Config.ShutdownGrace
}
