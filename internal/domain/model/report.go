package model

import "time"

// ChainOfCustodyReport 是导出时生成的监管链报告（chain_of_custody_{id}.json）。
// IntegrityValid 来自导出当次的重新校验。
type ChainOfCustodyReport struct {
	EvidenceID        string                `json:"evidenceId"`
	OriginalFileName  string                `json:"originalFileName"`
	CaseNumber        string                `json:"caseNumber"`
	Status            Status                `json:"status"`
	ChainEntries      []ChainOfCustodyEntry `json:"chainEntries"`
	ProcessedVersions []ProcessedEvidence   `json:"processedVersions"`
	IntegrityValid    bool                  `json:"integrityValid"`
	ChainValid        bool                  `json:"chainValid"`
	FirstDivergence   int                   `json:"firstDivergence"`
	SignatureValid    bool                  `json:"signatureValid"`
	OriginalHashes    map[string]string     `json:"originalHashes"`
	Signature         string                `json:"signature"`
	GeneratedAt       time.Time             `json:"generatedAt"`
}

// 导出文件类别。
const (
	ExportKindOriginal   = "original"
	ExportKindDerivative = "derivative"
	ExportKindReport     = "report"
	ExportKindPDF        = "pdf"
	ExportKindArchive    = "archive"
)

// ExportedFile 描述导出目录中的一个文件。
type ExportedFile struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"sizeBytes"`
	Kind      string `json:"kind"`
}

// EvidenceExport 是一次导出的清单。
type EvidenceExport struct {
	EvidenceID     string         `json:"evidenceId"`
	ExportDir      string         `json:"exportDir"`
	Files          []ExportedFile `json:"files"`
	ReportPath     string         `json:"reportPath"`
	ReportDigest   string         `json:"reportDigest"`
	IntegrityValid bool           `json:"integrityValid"`
	Warnings       []string       `json:"warnings,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	FinishedAt     time.Time      `json:"finishedAt"`
}
