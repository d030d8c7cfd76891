// Package store 定义证据仓储接口。sqlite 子包提供持久化实现，memory 子包提供分片内存实现。
package store

import (
	"context"
	"time"

	"evidence-custody/internal/domain/model"
)

// Reader 是只读仓储视图（校验、导出、去重只依赖它）。
type Reader interface {
	// Get 返回证据完整记录（含监管链与派生物）；不存在时返回 model.ErrNotFound。
	Get(ctx context.Context, id string) (*model.Evidence, error)
	List(ctx context.Context, filter model.EvidenceFilter) ([]model.EvidenceSummary, error)
}

// Repository 是证据仓储。所有写操作只追加或推进状态，不提供删除。
type Repository interface {
	Reader

	// Create 写入新证据及其已封存的监管链条目（通常只有创世条目）。
	Create(ctx context.Context, ev *model.Evidence) error

	// AppendCustody 追加一条监管链条目；Sequence 已存在时返回 model.ErrConflict。
	AppendCustody(ctx context.Context, evidenceID string, entry model.ChainOfCustodyEntry) error

	// RecordProcessing 在同一事务内写入派生物、追加监管链条目并更新状态。
	RecordProcessing(ctx context.Context, evidenceID string, p model.ProcessedEvidence, entry model.ChainOfCustodyEntry, status model.Status) error

	// Transition 在同一事务内追加监管链条目并把状态从 from 推进到 to；
	// 当前状态不是 from 时返回 model.ErrConflict。
	Transition(ctx context.Context, evidenceID string, entry model.ChainOfCustodyEntry, from, to model.Status) error

	// SetIntegrity 缓存最近一次完整性校验结果。
	SetIntegrity(ctx context.Context, evidenceID string, valid bool, at time.Time) error
}
