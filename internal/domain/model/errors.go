package model

import "errors"

// 领域错误。调用方通过 errors.Is 判断，外层用 %w 补充上下文。
var (
	ErrNotFound          = errors.New("evidence not found")
	ErrValidation        = errors.New("validation failed")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrArchived          = errors.New("evidence is archived")
	ErrQuarantined       = errors.New("evidence is quarantined")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent modification")
	ErrProcessing        = errors.New("processing failed")
)
