// Package export 打包证据原件、派生物与监管链报告，供外部移交。
//
// 每次导出都重新校验原件摘要、监管链与签名；报告中的 integrityValid 只来自本次校验。
// 导出对证据记录只读，不追加监管链条目，只写访问审计。
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/fsutil"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/integrity"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

// Options 是单次导出参数。
type Options struct {
	Actor string
	// PDF 额外生成 chain_of_custody_{id}.pdf。
	PDF bool
	// Archive 额外把全部导出文件打包为 {id}_export.zip。
	Archive bool
}

// Config 是 Assembler 的依赖。
type Config struct {
	Repo     store.Reader
	Verifier *integrity.Verifier
	Audit    *audit.Guard
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Assembler struct {
	repo     store.Reader
	verifier *integrity.Verifier
	audit    *audit.Guard
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(cfg Config) *Assembler {
	a := &Assembler{
		repo:     cfg.Repo,
		verifier: cfg.Verifier,
		audit:    cfg.Audit,
		logger:   logging.OrNop(cfg.Logger),
		metrics:  metrics.OrDiscard(cfg.Metrics),
		now:      cfg.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.verifier == nil {
		a.verifier = integrity.New(cfg.Repo, cfg.Logger, a.metrics)
	}
	return a
}

// ReportFileName 返回报告文件名。
func ReportFileName(evidenceID string) string {
	return "chain_of_custody_" + evidenceID + ".json"
}

// Report 读取证据并生成一份重新校验过的监管链报告（不落盘）。
func (a *Assembler) Report(ctx context.Context, evidenceID string) (*model.ChainOfCustodyReport, error) {
	ev, err := a.repo.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	return a.report(ctx, ev)
}

func (a *Assembler) report(ctx context.Context, ev *model.Evidence) (*model.ChainOfCustodyReport, error) {
	res, err := a.verifier.Inspect(ctx, ev)
	if err != nil {
		return nil, err
	}
	chain := custody.Validate(ev)

	hashes := make(map[string]string, len(ev.Hashes))
	for k, v := range ev.Hashes {
		hashes[k] = v
	}
	return &model.ChainOfCustodyReport{
		EvidenceID:        ev.ID,
		OriginalFileName:  ev.OriginalFileName,
		CaseNumber:        ev.CaseNumber,
		Status:            ev.Status,
		ChainEntries:      append([]model.ChainOfCustodyEntry{}, ev.ChainOfCustody...),
		ProcessedVersions: append([]model.ProcessedEvidence{}, ev.ProcessedVersions...),
		IntegrityValid:    res.Valid,
		ChainValid:        chain.OK,
		FirstDivergence:   chain.FirstDivergence,
		SignatureValid:    integrity.CheckSignature(ev),
		OriginalHashes:    hashes,
		Signature:         ev.Signature,
		GeneratedAt:       a.now().UTC(),
	}, nil
}

// Export 把证据导出到 destination：
//
//	{dest}/{id}/{原文件名}                原件副本
//	{dest}/{id}/{pid}_{原文件名}          派生物副本
//	{dest}/chain_of_custody_{id}.json     报告
//
// 原件或派生物缺失不会中断导出，记录在 Warnings 中。
func (a *Assembler) Export(ctx context.Context, evidenceID, destination string, opts Options) (exp *model.EvidenceExport, err error) {
	start := a.now()
	defer func() {
		result := metrics.ResultOK
		switch {
		case err != nil:
			result = metrics.ResultError
		case !exp.IntegrityValid:
			result = metrics.ResultInvalid
		}
		a.metrics.Exports.WithLabelValues(result).Inc()
		a.metrics.OperationDurations.WithLabelValues("export").Observe(time.Since(start).Seconds())
	}()

	dest := strings.TrimSpace(destination)
	if dest == "" {
		return nil, fmt.Errorf("%w: export destination is required", model.ErrValidation)
	}
	ev, err := a.repo.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}

	rep, err := a.report(ctx, ev)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(dest, ev.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	exp = &model.EvidenceExport{
		EvidenceID:     ev.ID,
		ExportDir:      dir,
		Files:          []model.ExportedFile{},
		IntegrityValid: rep.IntegrityValid,
		StartedAt:      start.UTC(),
	}
	if !rep.IntegrityValid {
		exp.Warnings = append(exp.Warnings, "original failed integrity verification at export time")
	}
	if !rep.ChainValid {
		exp.Warnings = append(exp.Warnings, fmt.Sprintf("custody chain diverges at entry %d", rep.FirstDivergence))
	}
	if !rep.SignatureValid {
		exp.Warnings = append(exp.Warnings, "evidence signature does not match recorded fields")
	}

	if err := a.copyInto(ctx, exp, ev.StoragePath, filepath.Join(dir, originalName(ev)), model.ExportKindOriginal); err != nil {
		return nil, err
	}
	for _, p := range ev.ProcessedVersions {
		if !p.Success || strings.TrimSpace(p.StoragePath) == "" {
			continue
		}
		if err := a.copyInto(ctx, exp, p.StoragePath, filepath.Join(dir, filepath.Base(p.StoragePath)), model.ExportKindDerivative); err != nil {
			return nil, err
		}
	}

	reportPath := filepath.Join(dest, ReportFileName(ev.ID))
	digest, err := writeReport(reportPath, rep)
	if err != nil {
		return nil, err
	}
	exp.ReportPath = reportPath
	exp.ReportDigest = digest
	if err := addFile(exp, reportPath, model.ExportKindReport); err != nil {
		return nil, err
	}

	if opts.PDF {
		pdfPath := filepath.Join(dest, strings.TrimSuffix(ReportFileName(ev.ID), ".json")+".pdf")
		warnings, err := writePDF(pdfPath, ev, rep, exp.Warnings)
		if err != nil {
			return nil, fmt.Errorf("write pdf report: %w", err)
		}
		exp.Warnings = append(exp.Warnings, warnings...)
		if err := addFile(exp, pdfPath, model.ExportKindPDF); err != nil {
			return nil, err
		}
	}

	if opts.Archive {
		zipPath := filepath.Join(dest, ev.ID+"_export.zip")
		if err := writeZip(ctx, zipPath, dest, ev, rep, exp); err != nil {
			return nil, fmt.Errorf("write export archive: %w", err)
		}
		if err := addFile(exp, zipPath, model.ExportKindArchive); err != nil {
			return nil, err
		}
	}

	exp.FinishedAt = a.now().UTC()
	a.audit.Record(ctx, ev.ID, audit.ActionExport, opts.Actor)
	a.logger.Infow("evidence exported",
		"evidence_id", ev.ID,
		"dest", dest,
		"files", len(exp.Files),
		"integrity_valid", exp.IntegrityValid,
		"report_digest", exp.ReportDigest,
		"warnings", len(exp.Warnings),
	)
	return exp, nil
}

// copyInto 原子复制文件；源文件缺失只记警告，其余错误返回。
func (a *Assembler) copyInto(ctx context.Context, exp *model.EvidenceExport, src, dst, kind string) error {
	sum, n, err := fsutil.CopyFile(ctx, src, dst)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, os.ErrNotExist) {
			exp.Warnings = append(exp.Warnings, fmt.Sprintf("skip %s %s: file missing", kind, src))
			return nil
		}
		return fmt.Errorf("copy %s: %w", kind, err)
	}
	exp.Files = append(exp.Files, model.ExportedFile{Path: dst, SHA256: sum, SizeBytes: n, Kind: kind})
	return nil
}

func addFile(exp *model.EvidenceExport, path, kind string) error {
	sum, n, err := hash.File(path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", kind, err)
	}
	exp.Files = append(exp.Files, model.ExportedFile{Path: path, SHA256: sum, SizeBytes: n, Kind: kind})
	return nil
}

// writeReport 写入缩进 JSON 报告，返回其 RFC 8785 规范化形式的 SHA-256。
func writeReport(path string, rep *model.ChainOfCustodyReport) (string, error) {
	raw, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize report: %w", err)
	}
	if err := fsutil.WriteFile(path, append(raw, '\n')); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ReportDigest 计算报告 JSON（任意格式化）的规范化摘要，用于复核导出的报告。
func ReportDigest(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func originalName(ev *model.Evidence) string {
	if name := fsutil.SafeName(ev.OriginalFileName); name != "" {
		return name
	}
	return ev.ID + ".evidence"
}
