package lifecycle

import (
	"context"
	"errors"
	"sync"

	"evidence-custody/internal/domain/model"

	"golang.org/x/sync/errgroup"
)

const listPageSize = 500

// BatchItem 是批量校验中单条证据的结果。
type BatchItem struct {
	EvidenceID string `json:"evidenceId"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

// BatchSummary 汇总一次批量校验。
type BatchSummary struct {
	Total   int         `json:"total"`
	Valid   int         `json:"valid"`
	Invalid int         `json:"invalid"`
	Failed  int         `json:"failed"`
	Items   []BatchItem `json:"items"`
}

// OK 表示全部证据校验通过且没有执行错误。
func (s BatchSummary) OK() bool {
	return s.Invalid == 0 && s.Failed == 0
}

// VerifyBatch 对匹配 filter 的全部证据执行 CheckIntegrity，最多 concurrency 个并发。
// 单条证据的错误记录在 Items 里不中断批次；只有 ctx 取消或列表查询失败才返回 error。
// onItem 非 nil 时在每条完成后调用（可能并发调用）。
func (m *Manager) VerifyBatch(ctx context.Context, filter model.EvidenceFilter, concurrency int, actor string, onItem func(BatchItem)) (BatchSummary, error) {
	ids, err := m.collectIDs(ctx, filter)
	if err != nil {
		return BatchSummary{}, err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	items := make([]BatchItem, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, evidenceID := range ids {
		g.Go(func() error {
			valid, err := m.CheckIntegrity(gctx, evidenceID, actor)
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}
			item := BatchItem{EvidenceID: evidenceID, Valid: valid && err == nil}
			if err != nil {
				item.Error = err.Error()
			}
			mu.Lock()
			items[i] = item
			mu.Unlock()
			if onItem != nil {
				onItem(item)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchSummary{}, err
	}

	sum := BatchSummary{Total: len(items), Items: items}
	for _, it := range items {
		switch {
		case it.Error != "":
			sum.Failed++
		case it.Valid:
			sum.Valid++
		default:
			sum.Invalid++
		}
	}
	m.logger.Infow("batch verification finished",
		"total", sum.Total,
		"valid", sum.Valid,
		"invalid", sum.Invalid,
		"failed", sum.Failed,
	)
	return sum, nil
}

// collectIDs 先取完整 id 列表，批次中的隔离不会让分页错位。
func (m *Manager) collectIDs(ctx context.Context, filter model.EvidenceFilter) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += listPageSize {
		page, err := m.repo.List(ctx, model.EvidenceFilter{
			CaseID: filter.CaseID,
			Status: filter.Status,
			Limit:  listPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			ids = append(ids, s.ID)
		}
		if len(page) < listPageSize {
			return ids, nil
		}
	}
}
