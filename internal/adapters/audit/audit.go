// Package audit 是访问审计的出口。
//
// 证据操作通过 Guard 调用 sink：sink 的错误与 panic 在这里被吞掉并记日志，
// 永远不会回传到入库、处理、导出流程。
package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"

	"go.uber.org/zap"
)

// 访问动作名。
const (
	ActionIngest     = "INGEST"
	ActionView       = "VIEW"
	ActionVerify     = "VERIFY"
	ActionProcess    = "PROCESS"
	ActionExport     = "EXPORT"
	ActionArchive    = "ARCHIVE"
	ActionQuarantine = "QUARANTINE"
	ActionDedup      = "DEDUP"
)

// Sink 记录一次访问。
type Sink interface {
	LogAccess(ctx context.Context, evidenceID, action, userID string, at time.Time) error
}

// SinkFunc 适配普通函数。
type SinkFunc func(ctx context.Context, evidenceID, action, userID string, at time.Time) error

func (f SinkFunc) LogAccess(ctx context.Context, evidenceID, action, userID string, at time.Time) error {
	return f(ctx, evidenceID, action, userID, at)
}

// Multi 依次写入多个 sink，汇总全部错误。
type Multi []Sink

func (m Multi) LogAccess(ctx context.Context, evidenceID, action, userID string, at time.Time) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.LogAccess(ctx, evidenceID, action, userID, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ZapSink 把访问记录写成结构化日志。
type ZapSink struct {
	logger *zap.SugaredLogger
}

func NewZapSink(logger *zap.SugaredLogger) *ZapSink {
	return &ZapSink{logger: logging.OrNop(logger)}
}

func (z *ZapSink) LogAccess(_ context.Context, evidenceID, action, userID string, at time.Time) error {
	z.logger.Infow("evidence access",
		"evidence_id", evidenceID,
		"action", action,
		"user_id", userID,
		"at", at.UTC(),
	)
	return nil
}

// Guard 包装 sink，保证调用方不受 sink 失败影响。
type Guard struct {
	sink    Sink
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGuard 创建 Guard；sink 为 nil 时所有调用直接返回。
func NewGuard(sink Sink, logger *zap.SugaredLogger, m *metrics.Metrics) *Guard {
	return &Guard{
		sink:    sink,
		logger:  logging.OrNop(logger),
		metrics: metrics.OrDiscard(m),
		now:     time.Now,
	}
}

// Record 以当前时间记录访问。
func (g *Guard) Record(ctx context.Context, evidenceID, action, userID string) {
	if g == nil {
		return
	}
	g.LogAccess(ctx, evidenceID, action, userID, g.now())
}

// LogAccess 调用下游 sink；错误与 panic 只记录日志与计数。
func (g *Guard) LogAccess(ctx context.Context, evidenceID, action, userID string, at time.Time) {
	if g == nil || g.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			g.metrics.AuditSinkFailures.Inc()
			g.logger.Errorw("audit sink panic recovered",
				"evidence_id", evidenceID,
				"action", action,
				"panic", fmt.Sprint(r),
				"stack", string(buf[:n]),
			)
		}
	}()

	// sink 写入不随调用方取消而丢失。
	if err := g.sink.LogAccess(context.WithoutCancel(ctx), evidenceID, action, userID, at); err != nil {
		g.metrics.AuditSinkFailures.Inc()
		g.logger.Warnw("audit sink write failed",
			"evidence_id", evidenceID,
			"action", action,
			"error", err,
		)
	}
}
