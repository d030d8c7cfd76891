// Package bootstrap 按应用配置装配仓储、策略、审计与各业务服务，供 CLI 与 HTTP 服务共用。
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/policy"
	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/adapters/store/sqlite"
	"evidence-custody/internal/app"
	"evidence-custody/internal/platform/keylock"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/dedup"
	"evidence-custody/internal/services/export"
	"evidence-custody/internal/services/ingest"
	"evidence-custody/internal/services/integrity"
	"evidence-custody/internal/services/lifecycle"
	"evidence-custody/internal/services/processing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Services 是装配完成的运行时对象。
type Services struct {
	Config   *app.Config
	Logger   *zap.SugaredLogger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Policy   *policy.Loaded

	Repo store.Repository
	// AccessLogs 只在 sqlite 仓储下非 nil。
	AccessLogs *sqlite.Store
	Audit      *audit.Guard

	Ledger     *custody.Ledger
	Verifier   *integrity.Verifier
	Gate       *ingest.Gate
	Processing *processing.Registry
	Lifecycle  *lifecycle.Manager
	Export     *export.Assembler
	Dedup      *dedup.Service

	db *sql.DB
}

// Open 创建全部服务。logger 为 nil 时按配置新建。
func Open(ctx context.Context, cfg *app.Config, logger *zap.SugaredLogger) (*Services, error) {
	if cfg == nil {
		def := app.DefaultConfig()
		cfg = &def
	}
	if logger == nil {
		l, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	loaded, err := policy.NewLoader(cfg.PolicyPath, cfg.EvidenceRoot).Load(ctx)
	if err != nil {
		return nil, err
	}
	pol := loaded.Policy
	if err := os.MkdirAll(pol.StorageRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("create evidence root: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	s := &Services{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  m,
		Policy:   loaded,
	}

	sinks := audit.Multi{audit.NewZapSink(logger.Named("audit"))}
	switch cfg.Repository {
	case app.RepositoryMemory:
		s.Repo = memory.New()
	default:
		db, err := sqlite.OpenDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		s.db = db
		st := sqlite.NewStore(db)
		s.Repo = st
		s.AccessLogs = st
		sinks = append(sinks, st)
	}
	s.Audit = audit.NewGuard(sinks, logger, m)

	s.Ledger = custody.New(s.Repo,
		custody.WithLogger(logger),
		custody.WithMetrics(m),
		custody.WithLocker(keylock.New()),
	)
	s.Verifier = integrity.New(s.Repo, logger, m)
	s.Gate = ingest.New(ingest.Options{
		Repo:    s.Repo,
		Ledger:  s.Ledger,
		Policy:  pol,
		Audit:   s.Audit,
		Logger:  logger,
		Metrics: m,
	})
	s.Lifecycle = lifecycle.New(lifecycle.Options{
		Repo:                s.Repo,
		Ledger:              s.Ledger,
		Verifier:            s.Verifier,
		QuarantineOnFailure: cfg.QuarantineOnFailure,
		Audit:               s.Audit,
		Logger:              logger,
		Metrics:             m,
	})
	procOpts := processing.Options{
		Repo:     s.Repo,
		Ledger:   s.Ledger,
		Verifier: s.Verifier,
		Root:     pol.StorageRoot(),
		Audit:    s.Audit,
		Logger:   logger,
		Metrics:  m,
	}
	if cfg.QuarantineOnFailure {
		procOpts.Quarantine = s.Lifecycle
	}
	s.Processing = processing.New(procOpts)
	s.Export = export.New(export.Config{
		Repo:     s.Repo,
		Verifier: s.Verifier,
		Audit:    s.Audit,
		Logger:   logger,
		Metrics:  m,
	})
	s.Dedup, err = dedup.New(dedup.Options{
		Repo:        s.Repo,
		Verifier:    s.Verifier,
		Root:        pol.StorageRoot(),
		Compression: pol.ChunkCompression,
		Audit:       s.Audit,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Infow("services ready",
		"repository", cfg.Repository,
		"evidence_root", pol.StorageRoot(),
		"policy_source", loaded.Source,
		"policy_version", pol.Version,
	)
	return s, nil
}

// Close 释放数据库连接并刷新日志。
func (s *Services) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	_ = s.Logger.Sync()
	return err
}
