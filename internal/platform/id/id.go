package id

import (
	"github.com/google/uuid"
)

// New 生成带前缀的唯一 ID：prefix_<uuid v7>。
// v7 带毫秒时间戳，日志中按 ID 排序即近似按创建时间排序。
func New(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	if prefix == "" {
		return u.String()
	}
	return prefix + "_" + u.String()
}
