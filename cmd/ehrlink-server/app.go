package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrlink/internal/config"
	"github.com/ehr/ehrlink/internal/domain/clinicalsync"
	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/domain/timeline"
	"github.com/ehr/ehrlink/internal/domain/tokens"
	"github.com/ehr/ehrlink/internal/platform/audit"
	"github.com/ehr/ehrlink/internal/platform/db"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
	"github.com/ehr/ehrlink/internal/platform/lease"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
	"github.com/ehr/ehrlink/internal/platform/vault"
)

// app holds every long-lived component. With DATABASE_URL unset (allowed
// outside production) it runs on in-memory stores; with REDIS_URL unset the
// refresh lease and authorization sessions stay process-local.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	vault      *vault.Vault
	links      linkage.LinkRepository
	entries    timeline.Repository
	auditStore audit.Store
	audit      *audit.Log
	sessions   linkage.SessionStore
	locker     lease.Locker
	fhir       *fhirclient.Factory
	tokens     *tokens.Manager

	linkSvc     *linkage.Service
	timelineSvc *timeline.Service
	engine      *clinicalsync.Engine

	healthChecks []db.Check
	stop         []func()
}

var metricsOnce sync.Once

func registerMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() { telemetry.Register(reg) })
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	v, err := vault.NewFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	a.vault = v

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	tx := linkage.NoTx
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "ehrlink",
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.stop = append(a.stop, pool.Close)
		a.links = linkage.NewLinkRepoPG(pool)
		a.entries = timeline.NewRepoPG(pool)
		a.auditStore = audit.NewPGStore(pool)
		a.healthChecks = append(a.healthChecks, db.PoolCheck(pool))
		tx = db.NewTransactor(pool)
		logger.Info().Msg("connected to database")
	} else {
		a.links = linkage.NewInMemoryLinkRepo()
		a.entries = timeline.NewInMemoryRepo()
		a.auditStore = audit.NewInMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set: links, timeline and audit are kept in memory")
	}
	a.audit = audit.NewLog(a.auditStore, logger)

	if cfg.RedisURL != "" {
		client, err := lease.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.stop = append(a.stop, func() { client.Close() })
		a.sessions = linkage.NewRedisSessionStore(client, "ehrlink:authz:", cfg.LinkSessionTTL)
		a.locker = lease.NewRedisLocker(client, "ehrlink:lease:")
		a.healthChecks = append(a.healthChecks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	} else {
		mem := linkage.NewInMemorySessionStore(cfg.LinkSessionTTL)
		a.sessions = mem
		a.locker = lease.NewLocalLocker()
		a.stop = append(a.stop, every(time.Minute, mem.Cleanup))
	}

	a.fhir = fhirclient.NewFactory(
		fhirclient.WithTimeout(cfg.HTTPTimeout),
		fhirclient.WithUserAgent(cfg.UserAgent),
		fhirclient.WithRateLimit(cfg.FHIRRateLimitRPS, cfg.FHIRRateLimitBurst),
		fhirclient.WithLogger(logger),
	)

	client := linkage.ClientConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       cfg.OAuthScopes(),
	}
	a.tokens = tokens.NewManager(a.links, a.vault, client,
		tokens.WithSkew(cfg.TokenRefreshSkew),
		tokens.WithLocker(a.locker, cfg.RefreshLeaseTTL),
		tokens.WithHTTPClient(a.fhir.HTTPClient()),
		tokens.WithRefreshTimeout(cfg.HTTPTimeout),
		tokens.WithAudit(a.audit),
		tokens.WithLogger(logger),
	)

	a.linkSvc = linkage.NewService(linkage.Deps{
		Repo:     a.links,
		Sessions: a.sessions,
		Vault:    a.vault,
		FHIR:     a.fhir,
		Tokens:   a.tokens,
		Entries:  a.entries,
		Tx:       tx,
		Audit:    a.audit,
		Client:   client,
		Logger:   logger,
	})
	a.timelineSvc = timeline.NewService(a.entries, a.links, a.audit, loc, logger)
	a.engine = clinicalsync.NewEngine(clinicalsync.Deps{
		Config: clinicalsync.Config{
			ResourceTypes: cfg.SyncResourceTypes(),
			PageSize:      cfg.SyncPageSize,
			MaxPages:      cfg.SyncMaxPages,
			Concurrency:   cfg.SyncConcurrency,
		},
		Links:   a.links,
		Tokens:  a.tokens,
		Clients: a.fhir,
		Writer:  a.entries,
		Audit:   a.audit,
		Logger:  logger,
	})

	registerMetrics(prometheus.DefaultRegisterer)
	return a, nil
}

// ownsLink adapts linkage ownership checks for the audit trail endpoint.
func (a *app) ownsLink(ctx context.Context, userID string, linkID uuid.UUID) error {
	if _, err := a.linkSvc.Get(ctx, userID, linkID); err != nil {
		return linkage.HTTPError(err)
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.stop) - 1; i >= 0; i-- {
		a.stop[i]()
	}
	a.stop = nil
}

// every runs fn on a ticker until the returned stop func is called.
func every(d time.Duration, fn func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func requireDatabase(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for this command")
	}
	return nil
}
