// Package custody 维护证据的哈希链接监管链。
//
// 条目 hash 计算方式（固定，不可更改）：
//
//	hash = hex(SHA-256(ts | action | actor | details | previousHash))
//
// 其中 ts 为 Timestamp.UTC().Format(time.RFC3339Nano)，"|" 为字面分隔符。
// 第 0 条的 previousHash 为证据 SHA-256 摘要，第 i 条为第 i-1 条的 hash。
//
// 同一证据的追加通过 keylock 串行化；不同证据之间互不阻塞。
package custody

import (
	"context"
	"fmt"
	"strings"
	"time"

	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/id"
	"evidence-custody/internal/platform/keylock"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"

	"go.uber.org/zap"
)

const fieldSeparator = "|"

// Ledger 是监管链的唯一写入口。
type Ledger struct {
	repo    store.Repository
	locks   *keylock.Locker
	now     func() time.Time
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// Option 配置 Ledger。
type Option func(*Ledger)

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLocker 让多个服务共用同一把按 id 的锁。
func WithLocker(locks *keylock.Locker) Option {
	return func(l *Ledger) { l.locks = locks }
}

func New(repo store.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:  repo,
		locks: keylock.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger)
	l.metrics = metrics.OrDiscard(l.metrics)
	return l
}

// Lock 获取证据 id 的排他锁，返回解锁函数。
// 需要“读取-校验-追加”原子完成的编排方（处理、归档、隔离）先调用它，再用 Next 构造条目交给仓储事务。
func (l *Ledger) Lock(evidenceID string) func() {
	return l.locks.Lock(evidenceID)
}

// ComputeHash 按固定公式重算条目 hash。
func ComputeHash(e model.ChainOfCustodyEntry) string {
	return hash.Fields(fieldSeparator,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Action,
		e.Actor,
		e.Details,
		e.PreviousHash,
	)
}

// Next 基于 ev 当前链尾构造下一条条目，不修改 ev，也不落库。
func (l *Ledger) Next(ev *model.Evidence, action, actor, details string) model.ChainOfCustodyEntry {
	prev := ev.PrimaryHash()
	if last := ev.LastEntry(); last != nil {
		prev = last.Hash
	}
	e := model.ChainOfCustodyEntry{
		ID:           id.New("coc"),
		Sequence:     len(ev.ChainOfCustody),
		Timestamp:    l.now().UTC(),
		Action:       strings.TrimSpace(action),
		Actor:        strings.TrimSpace(actor),
		Details:      details,
		PreviousHash: prev,
	}
	e.Hash = ComputeHash(e)
	return e
}

// Seal 在内存中追加一条条目（入库时写创世条目，记录尚未落库）。
func (l *Ledger) Seal(ev *model.Evidence, action, actor, details string) (model.ChainOfCustodyEntry, error) {
	if strings.TrimSpace(action) == "" {
		return model.ChainOfCustodyEntry{}, fmt.Errorf("%w: custody action is required", model.ErrValidation)
	}
	if ev.PrimaryHash() == "" {
		return model.ChainOfCustodyEntry{}, fmt.Errorf("%w: evidence %s has no %s digest", model.ErrValidation, ev.ID, model.PrimaryHashAlgorithm)
	}
	e := l.Next(ev, action, actor, details)
	ev.ChainOfCustody = append(ev.ChainOfCustody, e)
	return e, nil
}

// Append 追加一条人工监管链条目（交接、查阅备注等）并落库。
// 动作名统一为大写；生命周期动作只能由对应操作写入。
func (l *Ledger) Append(ctx context.Context, evidenceID, action, actor, details string) (*model.ChainOfCustodyEntry, error) {
	action = strings.ToUpper(strings.TrimSpace(action))
	if action == "" {
		return nil, fmt.Errorf("%w: custody action is required", model.ErrValidation)
	}
	if model.IsLifecycleAction(action) {
		return nil, fmt.Errorf("%w: custody action %s is reserved", model.ErrValidation, action)
	}

	unlock := l.Lock(evidenceID)
	defer unlock()

	ev, err := l.repo.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if ev.Status == model.StatusArchived {
		return nil, fmt.Errorf("append %s to %s: %w", action, evidenceID, model.ErrArchived)
	}

	e := l.Next(ev, action, actor, details)
	if err := l.repo.AppendCustody(ctx, evidenceID, e); err != nil {
		return nil, fmt.Errorf("append custody entry: %w", err)
	}
	l.Committed(evidenceID, e)
	return &e, nil
}

// Committed 记录由仓储事务（RecordProcessing / Transition）写入的条目，只更新指标与日志。
func (l *Ledger) Committed(evidenceID string, e model.ChainOfCustodyEntry) {
	l.metrics.CustodyAppends.WithLabelValues(e.Action).Inc()
	l.logger.Infow("custody entry appended",
		"evidence_id", evidenceID,
		"seq", e.Sequence,
		"action", e.Action,
		"actor", e.Actor,
	)
}

// ValidateID 读取证据后校验监管链，同时返回读到的证据；证据不存在返回错误。
func (l *Ledger) ValidateID(ctx context.Context, evidenceID string) (*model.Evidence, Result, error) {
	ev, err := l.repo.Get(ctx, evidenceID)
	if err != nil {
		return nil, Result{}, err
	}
	return ev, Validate(ev), nil
}
