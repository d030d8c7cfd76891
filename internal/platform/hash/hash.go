package hash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	stdhash "hash"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// 支持的摘要算法名（同时作为 Evidence.Hashes 的 key）。
const (
	SHA256     = "SHA-256"
	MD5        = "MD5"
	SHA1       = "SHA-1"
	BLAKE2b256 = "BLAKE2b-256"
)

// Required 是入库时必须计算的算法。
var Required = []string{SHA256, MD5}

// New 按算法名创建 hash.Hash。
func New(alg string) (stdhash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", alg)
	}
}

// Supported 判断算法名是否可用。
func Supported(alg string) bool {
	_, err := New(alg)
	return err == nil
}

// Text 将多个字段按换行拼接后计算 SHA-256。
// 用于访问日志 chain_hash 等字段级留痕。
func Text(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("\n"))
		}
		_, _ = h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fields 用 sep 拼接字段后计算 SHA-256，字段原样参与计算（不做 TrimSpace）。
func Fields(sep string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = io.WriteString(h, sep)
		}
		_, _ = io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Bytes 返回 SHA-256 hex。
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Signature 计算证据签名：SHA-256(id ‖ fileName ‖ size ‖ 各摘要值)，
// 摘要值按算法名字典序拼接，保证与 map 遍历顺序无关。
func Signature(id, fileName string, size int64, hashes map[string]string) string {
	algs := make([]string, 0, len(hashes))
	for alg := range hashes {
		algs = append(algs, alg)
	}
	sort.Strings(algs)

	h := sha256.New()
	_, _ = io.WriteString(h, id)
	_, _ = io.WriteString(h, fileName)
	_, _ = io.WriteString(h, strconv.FormatInt(size, 10))
	for _, alg := range algs {
		_, _ = io.WriteString(h, hashes[alg])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// File 读取文件并计算 SHA-256，同时返回文件大小。
func File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Set 在一次读取中同时累加多个摘要。
type Set struct {
	algs   []string
	hashes []stdhash.Hash
	w      io.Writer
	n      int64
}

// NewSet 创建多摘要累加器。算法名去重并排序；未知算法返回错误。
func NewSet(algs ...string) (*Set, error) {
	seen := make(map[string]struct{}, len(algs))
	uniq := make([]string, 0, len(algs))
	for _, alg := range algs {
		alg = strings.TrimSpace(alg)
		if alg == "" {
			continue
		}
		if _, ok := seen[alg]; ok {
			continue
		}
		seen[alg] = struct{}{}
		uniq = append(uniq, alg)
	}
	if len(uniq) == 0 {
		return nil, fmt.Errorf("no hash algorithm requested")
	}
	sort.Strings(uniq)

	s := &Set{algs: uniq}
	writers := make([]io.Writer, 0, len(uniq))
	for _, alg := range uniq {
		h, err := New(alg)
		if err != nil {
			return nil, err
		}
		s.hashes = append(s.hashes, h)
		writers = append(writers, h)
	}
	s.w = io.MultiWriter(writers...)
	return s, nil
}

// WithRequired 返回合并了 Required 的算法列表。
func WithRequired(algs []string) []string {
	out := append([]string{}, Required...)
	return append(out, algs...)
}

func (s *Set) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.n += int64(n)
	return n, err
}

// Size 返回已写入的字节数。
func (s *Set) Size() int64 { return s.n }

// Sums 返回算法名 -> 小写 hex 摘要。
func (s *Set) Sums() map[string]string {
	out := make(map[string]string, len(s.algs))
	for i, alg := range s.algs {
		out[alg] = hex.EncodeToString(s.hashes[i].Sum(nil))
	}
	return out
}
