package model

import (
	"strings"
	"time"
)

// 监管链动作名。处理类动作为 PROCESSED_<TYPE>。
const (
	ActionIngested    = "INGESTED"
	ActionArchived    = "ARCHIVED"
	ActionQuarantined = "QUARANTINED"
	ActionNote        = "NOTE"

	processedActionPrefix = "PROCESSED_"
)

// ProcessedAction 返回处理类型对应的监管链动作名。
func ProcessedAction(processingType string) string {
	return processedActionPrefix + strings.ToUpper(processingType)
}

// IsLifecycleAction 判断动作是否由入库、处理或状态迁移写入；人工追加的条目不能使用这些名字。
func IsLifecycleAction(action string) bool {
	switch action = strings.ToUpper(strings.TrimSpace(action)); action {
	case ActionIngested, ActionArchived, ActionQuarantined:
		return true
	}
	return strings.HasPrefix(action, processedActionPrefix)
}

// ChainOfCustodyEntry 是监管链中的一条哈希链接记录。
//
// Hash = hex(SHA-256(timestamp|action|actor|details|previousHash))，
// timestamp 使用 UTC RFC3339Nano 文本。
// 第 0 条的 PreviousHash 等于证据 SHA-256 摘要，其后每条等于上一条的 Hash。
type ChainOfCustodyEntry struct {
	ID           string    `json:"id"`
	Sequence     int       `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	Details      string    `json:"details"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previousHash"`
}

// AccessLog 是审计 sink 落库的一条访问记录（自带链式 hash）。
type AccessLog struct {
	EventID       string    `json:"event_id"`
	EvidenceID    string    `json:"evidence_id"`
	Action        string    `json:"action"`
	UserID        string    `json:"user_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	ChainPrevHash string    `json:"chain_prev_hash,omitempty"`
	ChainHash     string    `json:"chain_hash"`
}
