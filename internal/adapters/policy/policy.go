package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
)

// DefaultClassification 是未声明密级时使用的目录名。
const DefaultClassification = "UNCLASSIFIED"

// DefaultMaxFileSize 默认单文件上限 4 GiB。
const DefaultMaxFileSize int64 = 4 << 30

var classificationPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{0,63}$`)

// 证据根目录下的保留子目录（派生物与块存储），不能用作密级目录。
// 在大小写不敏感的文件系统上 PROCESSED 与 Processed 指向同一目录。
var reservedDirs = map[string]struct{}{
	"PROCESSED": {},
	"CHUNKS":    {},
}

// Policy 是只读的存储策略：允许的扩展名、大小上限、密级到目录的映射、摘要算法。
type Policy struct {
	Version               string            `yaml:"version" validate:"required"`
	Root                  string            `yaml:"root"`
	AllowedExtensions     []string          `yaml:"allowed_extensions" validate:"required,min=1,dive,required"`
	MaxFileSizeBytes      int64             `yaml:"max_file_size_bytes" validate:"gt=0"`
	DefaultClassification string            `yaml:"default_classification"`
	Classifications       map[string]string `yaml:"classifications"`
	HashAlgorithms        []string          `yaml:"hash_algorithms"`
	ChunkCompression      string            `yaml:"chunk_compression" validate:"omitempty,oneof=none lz4 zstd"`

	allowed map[string]struct{}
}

// Default 返回内置策略。
func Default(root string) *Policy {
	p := &Policy{
		Version: "builtin-1",
		Root:    root,
		AllowedExtensions: []string{
			".pdf", ".doc", ".docx", ".txt", ".rtf", ".odt", ".csv", ".json", ".xml", ".log",
			".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".heic",
			".mp4", ".mov", ".avi", ".mkv", ".mp3", ".wav", ".m4a", ".flac",
			".e01", ".dd", ".raw", ".img", ".iso",
			".zip", ".7z", ".tar", ".gz",
			".eml", ".msg", ".pst", ".mbox",
			".plist", ".db", ".sqlite",
		},
		MaxFileSizeBytes:      DefaultMaxFileSize,
		DefaultClassification: DefaultClassification,
		Classifications:       map[string]string{},
		HashAlgorithms:        []string{hash.SHA256, hash.MD5},
		ChunkCompression:      "zstd",
	}
	p.index()
	return p
}

func (p *Policy) index() {
	p.allowed = make(map[string]struct{}, len(p.AllowedExtensions))
	for _, ext := range p.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.allowed[ext] = struct{}{}
	}
}

// AllowsExtension 判断文件扩展名是否在白名单内（大小写不敏感）。
func (p *Policy) AllowsExtension(fileName string) bool {
	if p.allowed == nil {
		p.index()
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return false
	}
	_, ok := p.allowed[ext]
	return ok
}

// MaxFileSize 返回单文件字节上限。
func (p *Policy) MaxFileSize() int64 {
	if p.MaxFileSizeBytes <= 0 {
		return DefaultMaxFileSize
	}
	return p.MaxFileSizeBytes
}

// StorageRoot 返回证据根目录。
func (p *Policy) StorageRoot() string {
	return p.Root
}

// DigestAlgorithms 返回入库计算的摘要算法（始终包含 SHA-256 与 MD5）。
func (p *Policy) DigestAlgorithms() []string {
	seen := make(map[string]struct{})
	var algs []string
	for _, alg := range hash.WithRequired(p.HashAlgorithms) {
		if _, ok := seen[alg]; ok {
			continue
		}
		seen[alg] = struct{}{}
		algs = append(algs, alg)
	}
	sort.Strings(algs)
	return algs
}

// NormalizeClassification 统一为大写；空值回落到默认密级。
func (p *Policy) NormalizeClassification(c string) (string, error) {
	c = strings.TrimSpace(c)
	if c == "" {
		c = p.DefaultClassification
		if c == "" {
			c = DefaultClassification
		}
	}
	c = strings.ToUpper(c)
	if !classificationPattern.MatchString(c) {
		return "", fmt.Errorf("%w: invalid classification %q", model.ErrValidation, c)
	}
	if isReservedDir(c) {
		return "", fmt.Errorf("%w: classification %q is a reserved directory", model.ErrValidation, c)
	}
	return c, nil
}

func isReservedDir(name string) bool {
	_, ok := reservedDirs[strings.ToUpper(name)]
	return ok
}

// ClassificationDir 返回密级对应的存储目录。
// 映射表中的目录优先；未映射的密级直接使用 {root}/{CLASSIFICATION}。
func (p *Policy) ClassificationDir(classification string) (normalized, dir string, err error) {
	normalized, err = p.NormalizeClassification(classification)
	if err != nil {
		return "", "", err
	}
	if mapped, ok := p.Classifications[normalized]; ok && strings.TrimSpace(mapped) != "" {
		return normalized, filepath.Join(p.Root, filepath.Clean(mapped)), nil
	}
	return normalized, filepath.Join(p.Root, normalized), nil
}
