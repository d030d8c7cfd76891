package model

import (
	"path/filepath"
	"strings"
	"time"
)

// PrimaryHashAlgorithm 是证据主摘要算法名，监管链创世条目以它为 previousHash。
const PrimaryHashAlgorithm = "SHA-256"

// Status 表示证据生命周期状态。
type Status string

const (
	StatusPending     Status = "pending"
	StatusIngested    Status = "ingested"
	StatusAnalyzed    Status = "analyzed"
	StatusArchived    Status = "archived"
	StatusQuarantined Status = "quarantined"
)

// CanTransitionTo 判断状态迁移是否合法。
// 规则：Pending -> Ingested -> Analyzed -> Archived 单向推进；
// Archived / Quarantined 为终态；Analyzed -> Analyzed 允许（重复处理）。
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusIngested || next == StatusQuarantined
	case StatusIngested:
		return next == StatusAnalyzed || next == StatusArchived || next == StatusQuarantined
	case StatusAnalyzed:
		return next == StatusAnalyzed || next == StatusArchived || next == StatusQuarantined
	default:
		return false
	}
}

// Terminal 表示该状态下不再允许处理与归档。
func (s Status) Terminal() bool {
	return s == StatusArchived || s == StatusQuarantined
}

// Valid 判断是否为已知状态值（用于解析 CLI/API 的过滤参数）。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusIngested, StatusAnalyzed, StatusArchived, StatusQuarantined:
		return true
	}
	return false
}

// EvidenceType 表示证据文件的大类。
type EvidenceType string

const (
	TypeDocument  EvidenceType = "document"
	TypeImage     EvidenceType = "image"
	TypeVideo     EvidenceType = "video"
	TypeAudio     EvidenceType = "audio"
	TypeDiskImage EvidenceType = "disk_image"
	TypeArchive   EvidenceType = "archive"
	TypeEmail     EvidenceType = "email"
	TypeOther     EvidenceType = "other"
)

var typeByExt = map[string]EvidenceType{
	".pdf": TypeDocument, ".doc": TypeDocument, ".docx": TypeDocument, ".txt": TypeDocument,
	".rtf": TypeDocument, ".odt": TypeDocument, ".csv": TypeDocument, ".json": TypeDocument,
	".xml": TypeDocument, ".log": TypeDocument, ".plist": TypeDocument,
	".jpg": TypeImage, ".jpeg": TypeImage, ".png": TypeImage, ".gif": TypeImage,
	".bmp": TypeImage, ".tif": TypeImage, ".tiff": TypeImage, ".heic": TypeImage,
	".mp4": TypeVideo, ".mov": TypeVideo, ".avi": TypeVideo, ".mkv": TypeVideo,
	".mp3": TypeAudio, ".wav": TypeAudio, ".m4a": TypeAudio, ".flac": TypeAudio,
	".e01": TypeDiskImage, ".dd": TypeDiskImage, ".raw": TypeDiskImage, ".img": TypeDiskImage,
	".iso": TypeDiskImage,
	".zip": TypeArchive, ".7z": TypeArchive, ".tar": TypeArchive, ".gz": TypeArchive,
	".eml": TypeEmail, ".msg": TypeEmail, ".pst": TypeEmail, ".mbox": TypeEmail,
}

// DetectType 按扩展名推断证据类型，未知扩展名归为 other。
func DetectType(fileName string) EvidenceType {
	if t, ok := typeByExt[strings.ToLower(filepath.Ext(fileName))]; ok {
		return t
	}
	return TypeOther
}

// Valid 判断是否为已知类型。
func (t EvidenceType) Valid() bool {
	if t == TypeOther {
		return true
	}
	for _, v := range typeByExt {
		if v == t {
			return true
		}
	}
	return false
}

// Evidence 表示一条入库证据及其监管链。
//
// Hashes 在入库后不可变；ChainOfCustody 只允许追加。
// IntegrityValid 是上层流程显式写入的缓存结果，导出与处理前都会重新校验，不读取该字段。
type Evidence struct {
	ID                 string                `json:"id"`
	CaseID             string                `json:"caseId,omitempty"`
	CaseNumber         string                `json:"caseNumber,omitempty"`
	OriginalFileName   string                `json:"originalFileName"`
	SizeBytes          int64                 `json:"sizeBytes"`
	Type               EvidenceType          `json:"type"`
	Classification     string                `json:"classification"`
	Status             Status                `json:"status"`
	Hashes             map[string]string     `json:"hashes"`
	StoragePath        string                `json:"storagePath"`
	IngestedAt         time.Time             `json:"ingestedAt"`
	Signature          string                `json:"signature"`
	ChainOfCustody     []ChainOfCustodyEntry `json:"chainOfCustody"`
	ProcessedVersions  []ProcessedEvidence   `json:"processedVersions"`
	Metadata           EvidenceMetadata      `json:"metadata"`
	IntegrityValid     *bool                 `json:"integrityValid,omitempty"`
	IntegrityCheckedAt *time.Time            `json:"integrityCheckedAt,omitempty"`
}

// PrimaryHash 返回主摘要（SHA-256 hex）。
func (e *Evidence) PrimaryHash() string {
	return e.Hashes[PrimaryHashAlgorithm]
}

// LastEntry 返回监管链最后一条；链为空时返回 nil。
func (e *Evidence) LastEntry() *ChainOfCustodyEntry {
	if len(e.ChainOfCustody) == 0 {
		return nil
	}
	return &e.ChainOfCustody[len(e.ChainOfCustody)-1]
}

// Clone 深拷贝，内存仓储用它隔离调用方与内部状态。
func (e *Evidence) Clone() *Evidence {
	if e == nil {
		return nil
	}
	out := *e
	out.Hashes = make(map[string]string, len(e.Hashes))
	for k, v := range e.Hashes {
		out.Hashes[k] = v
	}
	out.ChainOfCustody = append([]ChainOfCustodyEntry(nil), e.ChainOfCustody...)
	out.ProcessedVersions = append([]ProcessedEvidence(nil), e.ProcessedVersions...)
	out.Metadata = e.Metadata.Clone()
	if e.IntegrityValid != nil {
		v := *e.IntegrityValid
		out.IntegrityValid = &v
	}
	if e.IntegrityCheckedAt != nil {
		v := *e.IntegrityCheckedAt
		out.IntegrityCheckedAt = &v
	}
	return &out
}

// Summary 生成列表视图。
func (e *Evidence) Summary() EvidenceSummary {
	return EvidenceSummary{
		ID:               e.ID,
		CaseID:           e.CaseID,
		CaseNumber:       e.CaseNumber,
		OriginalFileName: e.OriginalFileName,
		Type:             e.Type,
		Classification:   e.Classification,
		Status:           e.Status,
		SizeBytes:        e.SizeBytes,
		SHA256:           e.PrimaryHash(),
		IngestedAt:       e.IngestedAt,
		ChainLength:      len(e.ChainOfCustody),
		ProcessedCount:   len(e.ProcessedVersions),
	}
}

// EvidenceSummary 是列表接口返回的轻量视图（不含监管链明细）。
type EvidenceSummary struct {
	ID               string       `json:"id"`
	CaseID           string       `json:"caseId,omitempty"`
	CaseNumber       string       `json:"caseNumber,omitempty"`
	OriginalFileName string       `json:"originalFileName"`
	Type             EvidenceType `json:"type"`
	Classification   string       `json:"classification"`
	Status           Status       `json:"status"`
	SizeBytes        int64        `json:"sizeBytes"`
	SHA256           string       `json:"sha256"`
	IngestedAt       time.Time    `json:"ingestedAt"`
	ChainLength      int          `json:"chainLength"`
	ProcessedCount   int          `json:"processedCount"`
}

// EvidenceFilter 是列表查询条件。
type EvidenceFilter struct {
	CaseID string
	Status Status
	Limit  int
	Offset int
}
