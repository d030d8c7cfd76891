// Package ingest 是证据入库闸门：校验、单遍多摘要、原子落盘、写创世监管链条目。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/policy"
	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/fsutil"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/id"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/custody"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const evidenceExt = ".evidence"

// Request 是一次入库请求。
type Request struct {
	Reader   io.Reader
	FileName string
	// Size 是调用方声明的大小（可为 0）；超过上限时直接拒绝，不读取流。
	Size     int64
	Metadata model.EvidenceMetadata
	Actor    string
}

// Options 是 Gate 的依赖。
type Options struct {
	Repo    store.Repository
	Ledger  *custody.Ledger
	Policy  *policy.Policy
	Audit   *audit.Guard
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Gate struct {
	repo     store.Repository
	ledger   *custody.Ledger
	policy   *policy.Policy
	audit    *audit.Guard
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
	validate *validator.Validate
}

func New(opts Options) *Gate {
	g := &Gate{
		repo:     opts.Repo,
		ledger:   opts.Ledger,
		policy:   opts.Policy,
		audit:    opts.Audit,
		logger:   logging.OrNop(opts.Logger),
		metrics:  metrics.OrDiscard(opts.Metrics),
		now:      opts.Now,
		validate: validator.New(),
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.ledger == nil {
		g.ledger = custody.New(opts.Repo, custody.WithLogger(opts.Logger), custody.WithMetrics(g.metrics))
	}
	return g
}

// Ingest 校验并落盘证据文件，返回已写入仓储的证据记录。
// 任一步骤失败都不会留下证据记录或孤立文件。
func (g *Gate) Ingest(ctx context.Context, req Request) (ev *model.Evidence, err error) {
	start := g.now()
	defer func() {
		result := metrics.ResultOK
		switch {
		case errors.Is(err, model.ErrValidation):
			result = metrics.ResultInvalid
		case err != nil:
			result = metrics.ResultError
		}
		g.metrics.EvidenceIngested.WithLabelValues(result).Inc()
		g.metrics.OperationDurations.WithLabelValues("ingest").Observe(time.Since(start).Seconds())
		if err != nil {
			g.logger.Warnw("evidence ingest rejected", "file_name", req.FileName, "error", err)
		}
	}()

	name, err := g.check(req)
	if err != nil {
		return nil, err
	}
	classification, dir, err := g.policy.ClassificationDir(req.Metadata.Classification)
	if err != nil {
		return nil, err
	}
	set, err := hash.NewSet(g.policy.DigestAlgorithms()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	evID := id.New("ev")
	path := filepath.Join(dir, evID+evidenceExt)
	size, err := g.store(ctx, req.Reader, path, set)
	if err != nil {
		return nil, err
	}

	ev = &model.Evidence{
		ID:                evID,
		CaseID:            strings.TrimSpace(req.Metadata.CaseID),
		CaseNumber:        strings.TrimSpace(req.Metadata.CaseNumber),
		OriginalFileName:  name,
		SizeBytes:         size,
		Type:              evidenceType(name, req.Metadata.DeclaredType),
		Classification:    classification,
		Status:            model.StatusPending,
		Hashes:            set.Sums(),
		StoragePath:       path,
		IngestedAt:        start.UTC(),
		ChainOfCustody:    []model.ChainOfCustodyEntry{},
		ProcessedVersions: []model.ProcessedEvidence{},
		Metadata:          req.Metadata.Clone(),
	}
	ev.Signature = hash.Signature(ev.ID, ev.OriginalFileName, ev.SizeBytes, ev.Hashes)

	details := fmt.Sprintf("ingested %s (%d bytes, %s %s) into %s", name, size, model.PrimaryHashAlgorithm, ev.PrimaryHash(), classification)
	if _, err := g.ledger.Seal(ev, model.ActionIngested, req.Actor, details); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	ev.Status = model.StatusIngested

	if err := g.repo.Create(ctx, ev); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			g.logger.Errorw("remove orphaned evidence file", "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("persist evidence %s: %w", evID, err)
	}

	g.ledger.Committed(evID, ev.ChainOfCustody[0])
	g.metrics.IngestedBytes.Add(float64(size))
	g.audit.Record(ctx, evID, audit.ActionIngest, req.Actor)
	g.logger.Infow("evidence ingested",
		"evidence_id", evID,
		"file_name", name,
		"size", size,
		"classification", classification,
		"sha256", ev.PrimaryHash(),
	)
	return ev, nil
}

// check 在读取任何内容之前完成可以提前完成的校验。
func (g *Gate) check(req Request) (string, error) {
	if req.Reader == nil {
		return "", fmt.Errorf("%w: no content stream", model.ErrValidation)
	}
	name := fsutil.SafeName(req.FileName)
	if name == "" {
		return "", fmt.Errorf("%w: file name is required", model.ErrValidation)
	}
	if !g.policy.AllowsExtension(name) {
		return "", fmt.Errorf("%w: file type %q is not allowed", model.ErrValidation, strings.ToLower(filepath.Ext(name)))
	}
	if req.Size > g.policy.MaxFileSize() {
		return "", fmt.Errorf("%w: declared size %d exceeds limit %d", model.ErrValidation, req.Size, g.policy.MaxFileSize())
	}
	if err := g.validate.Struct(req.Metadata); err != nil {
		return "", fmt.Errorf("%w: metadata: %v", model.ErrValidation, err)
	}
	return name, nil
}

// store 边读边算摘要写入临时文件，超限、读错误或取消时丢弃临时文件。
func (g *Gate) store(ctx context.Context, r io.Reader, path string, set *hash.Set) (int64, error) {
	max := g.policy.MaxFileSize()

	out, err := fsutil.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create evidence file: %w", err)
	}
	defer out.Abort()

	src := io.LimitReader(fsutil.ContextReader(ctx, r), max+1)
	n, err := io.Copy(io.MultiWriter(out, set), src)
	if err != nil {
		return 0, fmt.Errorf("write evidence file: %w", err)
	}
	if n > max {
		return 0, fmt.Errorf("%w: file exceeds maximum size %d", model.ErrValidation, max)
	}
	if err := out.Commit(); err != nil {
		return 0, fmt.Errorf("commit evidence file: %w", err)
	}
	return n, nil
}

func evidenceType(name string, declared model.EvidenceType) model.EvidenceType {
	if declared != "" && declared.Valid() {
		return declared
	}
	return model.DetectType(name)
}
