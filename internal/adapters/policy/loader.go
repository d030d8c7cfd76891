package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"evidence-custody/internal/platform/hash"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader 负责从磁盘读取并校验存储策略文件。
type Loader struct {
	File string
	// Root 非空时覆盖策略文件中的 root（来自应用配置）。
	Root string
}

// Loaded 是加载后的策略及其文件哈希，用于留痕与版本确认。
type Loaded struct {
	Policy *Policy
	SHA256 string
	Source string
}

func NewLoader(file, root string) *Loader {
	return &Loader{File: file, Root: root}
}

// Load 读取策略文件；File 为空时返回内置默认策略。
func (l *Loader) Load(ctx context.Context) (*Loaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(l.File) == "" {
		return &Loaded{Policy: Default(l.Root), Source: "builtin"}, nil
	}

	raw, err := os.ReadFile(l.File)
	if err != nil {
		return nil, fmt.Errorf("read storage policy: %w", err)
	}

	p := Default("")
	// 以内置值为底，文件中出现的字段覆盖之。
	p.Version = ""
	p.Classifications = nil
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse storage policy: %w", err)
	}
	if strings.TrimSpace(l.Root) != "" {
		p.Root = l.Root
	}
	if p.Classifications == nil {
		p.Classifications = map[string]string{}
	}
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	p.index()

	sum := sha256.Sum256(raw)
	return &Loaded{
		Policy: p,
		SHA256: hex.EncodeToString(sum[:]),
		Source: l.File,
	}, nil
}

var validate = validator.New()

// validatePolicy 在结构标签校验之外检查映射目录与算法名。
func validatePolicy(p *Policy) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("storage policy: %w", err)
	}
	if strings.TrimSpace(p.Root) == "" {
		return errors.New("storage policy: root is required")
	}
	if p.DefaultClassification != "" {
		if !classificationPattern.MatchString(strings.ToUpper(p.DefaultClassification)) {
			return fmt.Errorf("storage policy: invalid default_classification: %s", p.DefaultClassification)
		}
		if isReservedDir(p.DefaultClassification) {
			return fmt.Errorf("storage policy: default_classification %s is a reserved directory", p.DefaultClassification)
		}
	}

	normalized := make(map[string]string, len(p.Classifications))
	for name, dir := range p.Classifications {
		key := strings.ToUpper(strings.TrimSpace(name))
		if !classificationPattern.MatchString(key) {
			return fmt.Errorf("storage policy: invalid classification name: %s", name)
		}
		if isReservedDir(key) {
			return fmt.Errorf("storage policy: classification %s is a reserved directory", key)
		}
		if _, dup := normalized[key]; dup {
			return fmt.Errorf("storage policy: duplicate classification: %s", key)
		}
		clean := filepath.Clean(strings.TrimSpace(dir))
		if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("storage policy: classification %s must map to a relative directory under root", key)
		}
		if top := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]; isReservedDir(top) {
			return fmt.Errorf("storage policy: classification %s maps into reserved directory %s", key, top)
		}
		normalized[key] = clean
	}
	p.Classifications = normalized

	for _, alg := range p.HashAlgorithms {
		if !hash.Supported(alg) {
			return fmt.Errorf("storage policy: unsupported hash algorithm: %s", alg)
		}
	}
	return nil
}
