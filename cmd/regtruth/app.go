package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/regtruth/pkg/arbiter"
	"github.com/Mindburn-Labs/regtruth/pkg/artifacts"
	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/composer"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/discovery"
	"github.com/Mindburn-Labs/regtruth/pkg/events"
	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/harness"
	"github.com/Mindburn-Labs/regtruth/pkg/identity"
	"github.com/Mindburn-Labs/regtruth/pkg/invariants"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
	"github.com/Mindburn-Labs/regtruth/pkg/release"
	"github.com/Mindburn-Labs/regtruth/pkg/review"
	"github.com/Mindburn-Labs/regtruth/pkg/srg"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

// selectionCacheTTL bounds how long a rule selection is served from memory.
const selectionCacheTTL = 5 * time.Minute

// app holds every wired component for one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	obs       *observability.Provider
	db        *store.Store
	audit     audit.Logger
	tokens    *identity.TokenManager
	evidence  *evidence.Store
	extractor *extractor.Extractor
	composer  *composer.Composer
	reviewer  *review.Reviewer
	arbiter   *arbiter.Arbiter
	releaser  *release.Releaser
	graph     *srg.Graph
	emitter   *events.Emitter
	discovery *discovery.Registry

	closers []func() error
}

// newLogger installs the slog handler selected by LogFormat and LogLevel.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// openApp connects the store and builds the component graph. proposer may be
// nil, in which case the OpenAI-compatible proposer is used when configured.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, proposer extractor.Proposer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Tracing.Enabled
	obsCfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	obsCfg.Insecure = cfg.Tracing.Insecure
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.obs = obs
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(shutdownCtx)
	})
	metrics := obs.Metrics()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.audit = audit.NewStoreLogger(db)

	if cfg.Review.ApproverTokenSecret != "" {
		ks, err := identity.NewHMACKeySet(cfg.Review.ApproverTokenSecret)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("approver tokens: %w", err)
		}
		a.tokens = identity.NewTokenManager(ks)
	}

	blobs, err := artifacts.NewStoreFromEnv(ctx, cfg.DataDir)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}
	a.evidence = evidence.NewStore(db, blobs, a.audit).WithMetrics(metrics)

	if proposer == nil && cfg.Proposer.APIKey != "" {
		p, err := extractor.NewOpenAIProposer(cfg.Proposer)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		proposer = p
	}
	a.extractor = extractor.New(db, proposer).WithMetrics(metrics)
	a.composer = composer.New(db, a.audit).WithMetrics(metrics)
	a.graph = srg.New(db, selectionCacheTTL)
	a.reviewer = review.New(db, a.tokens, a.audit, cfg.Review).WithGraph(a.graph)
	a.arbiter = arbiter.New(db, a.tokens, a.audit, cfg.Arbiter).WithMetrics(metrics).WithGraph(a.graph)

	var signer *release.Signer
	if cfg.Release.SigningSecret != "" {
		if signer, err = release.NewSigner(cfg.Release.SigningSecret); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.releaser = release.New(db, a.reviewer, a.audit, signer).WithMetrics(metrics)

	var publisher events.Publisher
	if cfg.Events.RedisURL != "" {
		client, err := events.ConnectRedis(cfg.Events.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		publisher = events.NewRedisPublisher(client, cfg.Events.Stream)
	}
	a.emitter = events.NewEmitter(db, publisher).WithMetrics(metrics)
	a.discovery = discovery.NewRegistry(db)
	return a, nil
}

func (a *app) pipeline() *harness.Pipeline {
	return harness.NewPipeline(harness.Components{
		DB:        a.db,
		Extractor: a.extractor,
		Composer:  a.composer,
		Reviewer:  a.reviewer,
		Arbiter:   a.arbiter,
		Releaser:  a.releaser,
		Graph:     a.graph,
		Emitter:   a.emitter,
	}, a.cfg.Pipeline)
}

func (a *app) validator() *invariants.Validator {
	return invariants.NewValidator(&invariants.Sources{
		DB:        a.db,
		Evidence:  a.evidence,
		Releases:  a.releaser,
		Extractor: a.extractor,
	})
}

func (a *app) heartbeat() *harness.Heartbeat {
	return harness.NewHeartbeat(a.db, a.evidence, a.extractor, a.arbiter, a.cfg.Pipeline)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
