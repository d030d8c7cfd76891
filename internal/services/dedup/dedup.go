// Package dedup 是离线的存储去重：把已入库证据切成内容定义块，
// 按 BLAKE3 地址存入 {root}/Chunks，并能从块重组出逐字节一致的原件。
//
// 去重不改动证据记录与原件文件，也不追加监管链条目，只写访问审计。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/fsutil"
	"evidence-custody/internal/platform/logging"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/integrity"

	"go.uber.org/zap"
)

// ChunksDir 是块存储相对证据根目录的位置。
const ChunksDir = "Chunks"

const manifestSchemaV1 = "evidence_custody.chunk_manifest.v1"

// Manifest 记录一份证据的块序列。
type Manifest struct {
	Schema      string            `json:"schema"`
	EvidenceID  string            `json:"evidenceId"`
	FileHash    string            `json:"fileHash"`
	SizeBytes   int64             `json:"sizeBytes"`
	Compression string            `json:"compression"`
	Chunks      []model.ChunkData `json:"chunks"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type Options struct {
	Repo     store.Reader
	Verifier *integrity.Verifier
	Root     string
	// Compression 取值 none / lz4 / zstd，来自存储策略。
	Compression string
	Audit       *audit.Guard
	Logger      *zap.SugaredLogger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type Service struct {
	repo     store.Reader
	verifier *integrity.Verifier
	root     string
	codec    Codec
	audit    *audit.Guard
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(opts Options) (*Service, error) {
	codec, err := ParseCodec(opts.Compression)
	if err != nil {
		return nil, err
	}
	s := &Service{
		repo:     opts.Repo,
		verifier: opts.Verifier,
		root:     opts.Root,
		codec:    codec,
		audit:    opts.Audit,
		logger:   logging.OrNop(opts.Logger),
		metrics:  metrics.OrDiscard(opts.Metrics),
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.verifier == nil {
		s.verifier = integrity.New(opts.Repo, opts.Logger, s.metrics)
	}
	return s, nil
}

func (s *Service) chunkPath(h string) string {
	return filepath.Join(s.root, ChunksDir, h[:2], h+".chunk")
}

// ManifestPath 返回证据的块清单路径。
func (s *Service) ManifestPath(evidenceID string) string {
	return filepath.Join(s.root, ChunksDir, "manifests", evidenceID+".json")
}

// Index 对证据原件分块入库并写清单。原件未通过完整性校验时返回 model.ErrIntegrity。
// 已存在的块只计数不重写。
func (s *Service) Index(ctx context.Context, evidenceID, actor string) (res *model.DeduplicationResult, err error) {
	start := s.now()
	defer func() {
		s.metrics.OperationDurations.WithLabelValues("dedup_index").Observe(time.Since(start).Seconds())
	}()

	ev, err := s.repo.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	check, err := s.verifier.Inspect(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !check.Valid {
		return nil, fmt.Errorf("%w: evidence %s failed verification before dedup", model.ErrIntegrity, ev.ID)
	}

	f, err := os.Open(ev.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open evidence: %w", err)
	}
	defer f.Close()

	res = &model.DeduplicationResult{
		EvidenceID:  ev.ID,
		Compression: s.codec.String(),
	}
	manifest := Manifest{
		Schema:      manifestSchemaV1,
		EvidenceID:  ev.ID,
		Compression: s.codec.String(),
		Chunks:      []model.ChunkData{},
		CreatedAt:   start.UTC(),
	}

	sum := sha256.New()
	chunker := NewChunker(io.TeeReader(fsutil.ContextReader(ctx, f), sum))
	for {
		c, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunk evidence: %w", err)
		}
		stored, dup, err := s.putChunk(c)
		if err != nil {
			return nil, err
		}
		res.TotalChunks++
		if dup {
			res.DuplicateChunks++
			res.BytesSaved += int64(c.Size)
			s.metrics.DedupChunks.WithLabelValues("duplicate").Inc()
		} else {
			res.UniqueChunks++
			res.StoredBytes += stored
			s.metrics.DedupChunks.WithLabelValues("unique").Inc()
		}
		manifest.Chunks = append(manifest.Chunks, model.ChunkData{Hash: c.Hash, Size: c.Size, Offset: c.Offset})
		manifest.SizeBytes += int64(c.Size)
	}

	fileHash := hex.EncodeToString(sum.Sum(nil))
	if fileHash != ev.PrimaryHash() {
		return nil, fmt.Errorf("%w: evidence %s changed while chunking", model.ErrIntegrity, ev.ID)
	}
	res.FileHash = fileHash
	manifest.FileHash = fileHash

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	res.ManifestPath = s.ManifestPath(ev.ID)
	if err := fsutil.WriteFile(res.ManifestPath, append(raw, '\n')); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	s.audit.Record(ctx, ev.ID, audit.ActionDedup, actor)
	s.logger.Infow("evidence deduplicated",
		"evidence_id", ev.ID,
		"chunks", res.TotalChunks,
		"unique", res.UniqueChunks,
		"duplicate", res.DuplicateChunks,
		"bytes_saved", res.BytesSaved,
		"stored_bytes", res.StoredBytes,
	)
	return res, nil
}

// putChunk 写入一个块；块已存在时返回 dup=true。
func (s *Service) putChunk(c *model.ChunkData) (stored int64, dup bool, err error) {
	path := s.chunkPath(c.Hash)
	if _, err := os.Stat(path); err == nil {
		return 0, true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, false, fmt.Errorf("stat chunk: %w", err)
	}
	raw, _, err := encodeChunk(c.Data, s.codec)
	if err != nil {
		return 0, false, fmt.Errorf("encode chunk %s: %w", c.Hash, err)
	}
	if err := fsutil.WriteFile(path, raw); err != nil {
		return 0, false, fmt.Errorf("write chunk %s: %w", c.Hash, err)
	}
	return int64(len(raw)), false, nil
}

// LoadManifest 读取证据的块清单；尚未建立索引时返回 model.ErrNotFound。
func (s *Service) LoadManifest(evidenceID string) (*Manifest, error) {
	raw, err := os.ReadFile(s.ManifestPath(evidenceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no chunk manifest for %s", model.ErrNotFound, evidenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Schema != manifestSchemaV1 {
		return nil, fmt.Errorf("unsupported manifest schema %q", m.Schema)
	}
	return &m, nil
}

// Restore 按清单把块依次写入 w。每个块都校验地址与长度，最后校验整体 SHA-256；
// 任何不一致返回 model.ErrIntegrity。
func (s *Service) Restore(ctx context.Context, evidenceID string, w io.Writer) (int64, error) {
	m, err := s.LoadManifest(evidenceID)
	if err != nil {
		return 0, err
	}
	sum := sha256.New()
	out := io.MultiWriter(w, sum)
	var written int64
	for i, c := range m.Chunks {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		raw, err := os.ReadFile(s.chunkPath(c.Hash))
		if err != nil {
			return written, fmt.Errorf("%w: chunk %d (%s): %v", model.ErrIntegrity, i, c.Hash, err)
		}
		data, err := decodeChunk(raw)
		if err != nil {
			return written, fmt.Errorf("%w: chunk %d (%s): %v", model.ErrIntegrity, i, c.Hash, err)
		}
		if len(data) != c.Size || ChunkHash(data) != c.Hash {
			return written, fmt.Errorf("%w: chunk %d (%s) content mismatch", model.ErrIntegrity, i, c.Hash)
		}
		n, err := out.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != m.FileHash {
		return written, fmt.Errorf("%w: restored digest %s, expected %s", model.ErrIntegrity, got, m.FileHash)
	}
	return written, nil
}
