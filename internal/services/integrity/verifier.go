// Package integrity 重新读取落盘文件并比对入库时记录的摘要。
// Verifier 是只读且无状态的：它不写 IntegrityValid，缓存结果由 lifecycle 显式写入。
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/fsutil"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"

	"go.uber.org/zap"
)

// Check 是单个算法的比对结果。
type Check struct {
	Algorithm string `json:"algorithm"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual,omitempty"`
	Match     bool   `json:"match"`
}

// Result 是一次完整性检查的明细。
type Result struct {
	EvidenceID  string  `json:"evidenceId"`
	Valid       bool    `json:"valid"`
	FileMissing bool    `json:"fileMissing"`
	SizeBytes   int64   `json:"sizeBytes"`
	SizeMatches bool    `json:"sizeMatches"`
	Checks      []Check `json:"checks"`
	Error       string  `json:"error,omitempty"`
}

type Verifier struct {
	repo    store.Reader
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func New(repo store.Reader, logger *zap.SugaredLogger, m *metrics.Metrics) *Verifier {
	return &Verifier{
		repo:    repo,
		logger:  logging.OrNop(logger),
		metrics: metrics.OrDiscard(m),
	}
}

// Verify 返回证据文件是否与记录的全部摘要一致。
// 文件缺失或任一摘要不符返回 false；只有证据不存在或 ctx 取消才返回错误。
func (v *Verifier) Verify(ctx context.Context, evidenceID string) (bool, error) {
	ev, err := v.repo.Get(ctx, evidenceID)
	if err != nil {
		return false, err
	}
	res, err := v.Inspect(ctx, ev)
	if err != nil {
		return false, err
	}
	return res.Valid, nil
}

// Inspect 对已加载的证据做一次完整检查，返回逐算法明细。
func (v *Verifier) Inspect(ctx context.Context, ev *model.Evidence) (Result, error) {
	start := time.Now()
	defer func() {
		v.metrics.OperationDurations.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	}()

	res := Result{EvidenceID: ev.ID, Checks: []Check{}}

	algs := make([]string, 0, len(ev.Hashes))
	for alg := range ev.Hashes {
		algs = append(algs, alg)
	}
	sort.Strings(algs)
	if len(algs) == 0 {
		res.Error = "no recorded digests"
		return v.finish(ev, res), nil
	}

	f, err := os.Open(ev.StoragePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.FileMissing = true
		}
		res.Error = err.Error()
		return v.finish(ev, res), nil
	}
	defer f.Close()

	set, err := hash.NewSet(algs...)
	if err != nil {
		// 记录中出现本程序不认识的算法名，视为不一致。
		res.Error = err.Error()
		return v.finish(ev, res), nil
	}
	if _, err := io.Copy(set, fsutil.ContextReader(ctx, f)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("verify %s: %w", ev.ID, ctxErr)
		}
		res.Error = err.Error()
		return v.finish(ev, res), nil
	}

	sums := set.Sums()
	res.Valid = true
	res.SizeBytes = set.Size()
	res.SizeMatches = set.Size() == ev.SizeBytes
	for _, alg := range algs {
		c := Check{Algorithm: alg, Expected: ev.Hashes[alg], Actual: sums[alg]}
		c.Match = c.Expected == c.Actual
		if !c.Match {
			res.Valid = false
		}
		res.Checks = append(res.Checks, c)
	}
	return v.finish(ev, res), nil
}

func (v *Verifier) finish(ev *model.Evidence, res Result) Result {
	result := metrics.ResultOK
	if !res.Valid {
		result = metrics.ResultInvalid
		v.logger.Warnw("integrity check failed",
			"evidence_id", ev.ID,
			"path", ev.StoragePath,
			"file_missing", res.FileMissing,
			"error", res.Error,
		)
	}
	v.metrics.Verifications.WithLabelValues(result).Inc()
	return res
}

// CheckSignature 重算证据签名并与记录比对。
func CheckSignature(ev *model.Evidence) bool {
	if ev.Signature == "" {
		return false
	}
	return hash.Signature(ev.ID, ev.OriginalFileName, ev.SizeBytes, ev.Hashes) == ev.Signature
}
