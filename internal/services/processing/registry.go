// Package processing 生成并登记证据派生物。
//
// 每次处理前都重新校验原件；派生物写入 {root}/Processed/{pid}_{原文件名}，
// 在原件监管链上追加 PROCESSED_<TYPE> 条目，状态推进到 Analyzed。
package processing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/fsutil"
	"evidence-custody/internal/platform/id"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/integrity"

	"go.uber.org/zap"
)

// ProcessedDir 是派生物目录名（位于证据根目录下）。
const ProcessedDir = "Processed"

// Transform 从 src 读取原件内容，把派生结果写入 dst。
type Transform func(ctx context.Context, src io.Reader, dst io.Writer) error

// Quarantiner 在校验失败时隔离证据（由 lifecycle 实现）。
type Quarantiner interface {
	Quarantine(ctx context.Context, evidenceID, actor, reason string) (*model.Evidence, error)
}

type Options struct {
	Repo     store.Repository
	Ledger   *custody.Ledger
	Verifier *integrity.Verifier
	// Root 是证据根目录，派生物写入 Root/Processed。
	Root string
	// Quarantine 非 nil 时，处理前校验失败会隔离证据。
	Quarantine Quarantiner
	Audit      *audit.Guard
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Registry struct {
	repo       store.Repository
	ledger     *custody.Ledger
	verifier   *integrity.Verifier
	root       string
	quarantine Quarantiner
	audit      *audit.Guard
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(opts Options) *Registry {
	r := &Registry{
		repo:       opts.Repo,
		ledger:     opts.Ledger,
		verifier:   opts.Verifier,
		root:       opts.Root,
		quarantine: opts.Quarantine,
		audit:      opts.Audit,
		logger:     logging.OrNop(opts.Logger),
		metrics:    metrics.OrDiscard(opts.Metrics),
		now:        opts.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.ledger == nil {
		r.ledger = custody.New(opts.Repo, custody.WithLogger(opts.Logger), custody.WithMetrics(r.metrics))
	}
	if r.verifier == nil {
		r.verifier = integrity.New(opts.Repo, opts.Logger, r.metrics)
	}
	return r
}

var typePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_]{0,63}$`)

// NormalizeType 把处理类型统一为大写下划线形式，例如 "speech-to text" -> "SPEECH_TO_TEXT"。
func NormalizeType(t string) (string, error) {
	t = strings.ToUpper(strings.TrimSpace(t))
	t = strings.Join(strings.FieldsFunc(t, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '.'
	}), "_")
	if !typePattern.MatchString(t) {
		return "", fmt.Errorf("%w: invalid processing type %q", model.ErrValidation, t)
	}
	return t, nil
}

func checkProcessable(ev *model.Evidence) error {
	switch ev.Status {
	case model.StatusArchived:
		return fmt.Errorf("process %s: %w", ev.ID, model.ErrArchived)
	case model.StatusQuarantined:
		return fmt.Errorf("process %s: %w", ev.ID, model.ErrQuarantined)
	}
	if !ev.Status.CanTransitionTo(model.StatusAnalyzed) {
		return fmt.Errorf("%w: cannot process evidence %s in status %s", model.ErrInvalidTransition, ev.ID, ev.Status)
	}
	return nil
}

// Process 在原件通过重新校验后运行 transform，登记派生物。
//
// transform 失败时返回未落库的 ProcessedEvidence{Success:false} 与 ErrProcessing；
// 其余失败只返回错误，且不会留下派生文件。
func (r *Registry) Process(ctx context.Context, evidenceID, processingType string, transform Transform, actor string) (p *model.ProcessedEvidence, err error) {
	typ, err := NormalizeType(processingType)
	if err != nil {
		return nil, err
	}
	if transform == nil {
		return nil, fmt.Errorf("%w: no transform for %s", model.ErrValidation, typ)
	}

	start := r.now()
	defer func() {
		result := metrics.ResultOK
		switch {
		case errors.Is(err, model.ErrIntegrity):
			result = metrics.ResultInvalid
		case err != nil:
			result = metrics.ResultError
		}
		r.metrics.ProcessingRuns.WithLabelValues(typ, result).Inc()
		r.metrics.OperationDurations.WithLabelValues("process").Observe(time.Since(start).Seconds())
	}()

	ev, err := r.repo.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if err := checkProcessable(ev); err != nil {
		return nil, err
	}

	res, err := r.verifier.Inspect(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		r.quarantineAfterFailure(ctx, ev, actor, "integrity check failed before "+typ)
		return nil, fmt.Errorf("process %s: %w", evidenceID, model.ErrIntegrity)
	}

	pid := id.New("proc")
	outPath := filepath.Join(r.root, ProcessedDir, pid+"_"+fsutil.SafeName(ev.OriginalFileName))
	p = &model.ProcessedEvidence{
		ID:                 pid,
		OriginalEvidenceID: ev.ID,
		ProcessingType:     typ,
		CreatedAt:          start.UTC(),
	}

	sum, size, runErr := r.run(ctx, ev, outPath, transform)
	p.Duration = r.now().Sub(start)
	if runErr != nil {
		if errors.Is(runErr, model.ErrIntegrity) || ctx.Err() != nil {
			return nil, runErr
		}
		p.Success = false
		p.ErrorMessage = runErr.Error()
		p.StoragePath = ""
		r.logger.Warnw("processing failed",
			"evidence_id", ev.ID,
			"type", typ,
			"error", runErr,
		)
		return p, fmt.Errorf("%w: %s on %s: %v", model.ErrProcessing, typ, ev.ID, runErr)
	}
	p.Success = true
	p.ProcessedHash = sum
	p.SizeBytes = size
	p.StoragePath = outPath

	if err := r.record(ctx, evidenceID, p, actor); err != nil {
		if rmErr := os.Remove(outPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Errorw("remove unrecorded derivative", "path", outPath, "error", rmErr)
		}
		return nil, err
	}

	r.audit.Record(ctx, evidenceID, audit.ActionProcess, actor)
	r.logger.Infow("derivative recorded",
		"evidence_id", evidenceID,
		"processed_id", pid,
		"type", typ,
		"sha256", sum,
		"size", size,
		"duration", p.Duration,
	)
	return p, nil
}

// run 把原件流经 transform 写入派生文件。
// 原件在同一遍读取中重新计算 SHA-256，与校验时不一致说明文件在处理期间被改动。
func (r *Registry) run(ctx context.Context, ev *model.Evidence, outPath string, transform Transform) (string, int64, error) {
	in, err := os.Open(ev.StoragePath)
	if err != nil {
		return "", 0, fmt.Errorf("open original: %w", err)
	}
	defer in.Close()

	out, err := fsutil.Create(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("create derivative: %w", err)
	}
	defer out.Abort()

	srcHash := sha256.New()
	src := io.TeeReader(fsutil.ContextReader(ctx, in), srcHash)
	dstHash := sha256.New()
	dst := &countingWriter{w: io.MultiWriter(out, dstHash)}

	if err := transform(ctx, src, dst); err != nil {
		return "", 0, err
	}
	// transform 不一定读完原件，剩余部分仍需计入摘要。
	if _, err := io.Copy(io.Discard, src); err != nil {
		return "", 0, fmt.Errorf("drain original: %w", err)
	}
	if got := hex.EncodeToString(srcHash.Sum(nil)); got != ev.PrimaryHash() {
		return "", 0, fmt.Errorf("original of %s changed during processing: %w", ev.ID, model.ErrIntegrity)
	}
	if err := out.Commit(); err != nil {
		return "", 0, fmt.Errorf("commit derivative: %w", err)
	}
	return hex.EncodeToString(dstHash.Sum(nil)), dst.n, nil
}

// record 在证据锁内复查状态，并在一个仓储事务中登记派生物、追加条目、推进状态。
func (r *Registry) record(ctx context.Context, evidenceID string, p *model.ProcessedEvidence, actor string) error {
	unlock := r.ledger.Lock(evidenceID)
	defer unlock()

	ev, err := r.repo.Get(ctx, evidenceID)
	if err != nil {
		return err
	}
	if err := checkProcessable(ev); err != nil {
		return err
	}

	details := fmt.Sprintf("derivative %s (%s) sha256 %s, %d bytes", p.ID, p.ProcessingType, p.ProcessedHash, p.SizeBytes)
	entry := r.ledger.Next(ev, model.ProcessedAction(p.ProcessingType), actor, details)
	if err := r.repo.RecordProcessing(ctx, evidenceID, *p, entry, model.StatusAnalyzed); err != nil {
		return fmt.Errorf("record derivative %s: %w", p.ID, err)
	}
	r.ledger.Committed(evidenceID, entry)
	if ev.Status != model.StatusAnalyzed {
		r.metrics.StatusTransitions.WithLabelValues(string(model.StatusAnalyzed)).Inc()
	}
	return nil
}

func (r *Registry) quarantineAfterFailure(ctx context.Context, ev *model.Evidence, actor, reason string) {
	if r.quarantine == nil {
		return
	}
	if _, err := r.quarantine.Quarantine(ctx, ev.ID, actor, reason); err != nil {
		r.logger.Errorw("quarantine after failed verification", "evidence_id", ev.ID, "error", err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
