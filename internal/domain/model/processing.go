package model

import "time"

// ProcessedEvidence 是一次处理产生的派生物记录。
// 派生物不单独建链，而是以 PROCESSED_<TYPE> 条目挂在原始证据的监管链上。
type ProcessedEvidence struct {
	ID                 string        `json:"id"`
	OriginalEvidenceID string        `json:"originalEvidenceId"`
	ProcessingType     string        `json:"processingType"`
	ProcessedHash      string        `json:"processedHash"`
	StoragePath        string        `json:"storagePath"`
	SizeBytes          int64         `json:"sizeBytes"`
	Success            bool          `json:"success"`
	ErrorMessage       string        `json:"errorMessage,omitempty"`
	Duration           time.Duration `json:"durationNs"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// ChunkData 是内容定义分块的一个块。Data 只在分块迭代期间有效，不参与序列化。
type ChunkData struct {
	Hash   string `json:"hash"`
	Data   []byte `json:"-"`
	Size   int    `json:"size"`
	Offset int64  `json:"offset"`
}

// DeduplicationResult 汇总一次去重索引的结果。
type DeduplicationResult struct {
	EvidenceID      string `json:"evidenceId"`
	FileHash        string `json:"fileHash"`
	TotalChunks     int    `json:"totalChunks"`
	UniqueChunks    int    `json:"uniqueChunks"`
	DuplicateChunks int    `json:"duplicateChunks"`
	BytesSaved      int64  `json:"bytesSaved"`
	StoredBytes     int64  `json:"storedBytes"`
	Compression     string `json:"compression"`
	ManifestPath    string `json:"manifestPath"`
}
