package audit

import (
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
)

// ChainHashFunc 按与写入方一致的公式计算访问日志链式 hash。
type ChainHashFunc func(prev, evidenceID, action, userID string, at time.Time) string

// FailureItem 表示一次访问日志链校验失败的明细项（用于 CLI/API 展示）。
type FailureItem struct {
	Index int `json:"index"`

	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Action     string    `json:"action"`

	// PrevHashMismatch 表示当前记录的 chain_prev_hash 与上一条记录 chain_hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// ChainHashMismatch 表示当前记录 chain_hash 与按公式重算的值不一致。
	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是访问日志链校验结果。
type Result struct {
	OK     bool `json:"ok"`
	Total  int  `json:"total"`
	Failed int  `json:"failed"`

	LastChainHash string        `json:"last_chain_hash,omitempty"`
	Failures      []FailureItem `json:"failures,omitempty"`
}

// VerifyAccessLogs 校验 chain_prev_hash 连续性并重算 chain_hash。
// 与监管链校验不同，这里遇到异常不中断：以库中记录的 chain_hash 继续推进，尽量定位全部异常。
func VerifyAccessLogs(logs []model.AccessLog, chainHash ChainHashFunc) Result {
	res := Result{
		OK:       true,
		Total:    len(logs),
		Failures: []FailureItem{},
	}

	prev := ""
	for i, it := range logs {
		actualPrev := strings.TrimSpace(it.ChainPrevHash)
		expectedChain := chainHash(prev, it.EvidenceID, it.Action, it.UserID, it.OccurredAt)
		actualChain := strings.TrimSpace(it.ChainHash)

		prevMismatch := actualPrev != prev
		chainMismatch := actualChain != expectedChain

		if prevMismatch || chainMismatch {
			res.OK = false
			res.Failed++

			msg := "chain_hash mismatch"
			switch {
			case prevMismatch && chainMismatch:
				msg = "chain_prev_hash and chain_hash mismatch"
			case prevMismatch:
				msg = "chain_prev_hash mismatch"
			}

			res.Failures = append(res.Failures, FailureItem{
				Index:             i,
				EventID:           it.EventID,
				OccurredAt:        it.OccurredAt,
				Action:            it.Action,
				PrevHashMismatch:  prevMismatch,
				ExpectedPrevHash:  prev,
				ActualPrevHash:    actualPrev,
				ChainHashMismatch: chainMismatch,
				ExpectedChainHash: expectedChain,
				ActualChainHash:   actualChain,
				Message:           msg,
			})
		}

		prev = actualChain
		res.LastChainHash = actualChain
	}
	return res
}
