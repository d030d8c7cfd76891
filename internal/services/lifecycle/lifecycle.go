// Package lifecycle 负责证据状态的显式推进：归档、隔离，以及带缓存的完整性检查。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/integrity"

	"go.uber.org/zap"
)

type Options struct {
	Repo     store.Repository
	Ledger   *custody.Ledger
	Verifier *integrity.Verifier
	// QuarantineOnFailure 为 true 时，CheckIntegrity 失败会把证据转入 Quarantined。
	QuarantineOnFailure bool
	Audit               *audit.Guard
	Logger              *zap.SugaredLogger
	Metrics             *metrics.Metrics
	Now                 func() time.Time
}

type Manager struct {
	repo                store.Repository
	ledger              *custody.Ledger
	verifier            *integrity.Verifier
	quarantineOnFailure bool
	audit               *audit.Guard
	logger              *zap.SugaredLogger
	metrics             *metrics.Metrics
	now                 func() time.Time
}

func New(opts Options) *Manager {
	m := &Manager{
		repo:                opts.Repo,
		ledger:              opts.Ledger,
		verifier:            opts.Verifier,
		quarantineOnFailure: opts.QuarantineOnFailure,
		audit:               opts.Audit,
		logger:              logging.OrNop(opts.Logger),
		metrics:             metrics.OrDiscard(opts.Metrics),
		now:                 opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ledger == nil {
		m.ledger = custody.New(opts.Repo, custody.WithLogger(opts.Logger), custody.WithMetrics(m.metrics))
	}
	if m.verifier == nil {
		m.verifier = integrity.New(opts.Repo, opts.Logger, m.metrics)
	}
	return m
}

// Archive 把 Ingested / Analyzed 证据推进到 Archived（终态）。
func (m *Manager) Archive(ctx context.Context, evidenceID, actor, reason string) (*model.Evidence, error) {
	ev, err := m.transition(ctx, evidenceID, model.StatusArchived, model.ActionArchived, actor, reason)
	if err != nil {
		return nil, err
	}
	m.audit.Record(ctx, evidenceID, audit.ActionArchive, actor)
	return ev, nil
}

// Quarantine 把非终态证据转入 Quarantined；已隔离的证据直接返回，不重复追加条目。
func (m *Manager) Quarantine(ctx context.Context, evidenceID, actor, reason string) (*model.Evidence, error) {
	ev, err := m.transition(ctx, evidenceID, model.StatusQuarantined, model.ActionQuarantined, actor, reason)
	if err != nil {
		return nil, err
	}
	m.audit.Record(ctx, evidenceID, audit.ActionQuarantine, actor)
	return ev, nil
}

func (m *Manager) transition(ctx context.Context, evidenceID string, to model.Status, action, actor, reason string) (*model.Evidence, error) {
	unlock := m.ledger.Lock(evidenceID)
	defer unlock()

	ev, err := m.repo.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if ev.Status == to && to == model.StatusQuarantined {
		return ev, nil
	}
	if !ev.Status.CanTransitionTo(to) {
		switch ev.Status {
		case model.StatusArchived:
			return nil, fmt.Errorf("%s %s: %w", strings.ToLower(action), evidenceID, model.ErrArchived)
		case model.StatusQuarantined:
			return nil, fmt.Errorf("%s %s: %w", strings.ToLower(action), evidenceID, model.ErrQuarantined)
		}
		return nil, fmt.Errorf("%w: %s -> %s for %s", model.ErrInvalidTransition, ev.Status, to, evidenceID)
	}

	details := strings.TrimSpace(reason)
	if details == "" {
		details = fmt.Sprintf("status %s -> %s", ev.Status, to)
	}
	entry := m.ledger.Next(ev, action, actor, details)
	if err := m.repo.Transition(ctx, evidenceID, entry, ev.Status, to); err != nil {
		return nil, fmt.Errorf("transition %s to %s: %w", evidenceID, to, err)
	}
	m.ledger.Committed(evidenceID, entry)
	m.metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	m.logger.Infow("evidence status changed",
		"evidence_id", evidenceID,
		"from", ev.Status,
		"to", to,
		"actor", actor,
	)

	ev.ChainOfCustody = append(ev.ChainOfCustody, entry)
	ev.Status = to
	return ev, nil
}

// CheckIntegrity 重新校验证据并把结果缓存到记录上；失败时按配置隔离。
func (m *Manager) CheckIntegrity(ctx context.Context, evidenceID, actor string) (bool, error) {
	ev, err := m.repo.Get(ctx, evidenceID)
	if err != nil {
		return false, err
	}
	res, err := m.verifier.Inspect(ctx, ev)
	if err != nil {
		return false, err
	}
	m.audit.Record(ctx, evidenceID, audit.ActionVerify, actor)

	if err := m.repo.SetIntegrity(ctx, evidenceID, res.Valid, m.now().UTC()); err != nil {
		return res.Valid, fmt.Errorf("cache integrity result: %w", err)
	}
	if res.Valid || !m.quarantineOnFailure {
		return res.Valid, nil
	}

	reason := "integrity check failed"
	if res.FileMissing {
		reason = "integrity check failed: stored file missing"
	}
	if _, err := m.Quarantine(ctx, evidenceID, actor, reason); err != nil &&
		!errors.Is(err, model.ErrArchived) {
		return false, err
	}
	return false, nil
}
