// Package fsutil 提供证据落盘用的文件工具：临时文件 + 原子 rename、可取消的读取、文件名清洗。
package fsutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// AtomicFile 先写入同目录下的隐藏临时文件，Commit 时 fsync 后 rename 到目标路径。
// 未 Commit 前调用 Abort（或 Commit 失败）会删除临时文件，目标路径不会出现半成品。
type AtomicFile struct {
	f     *os.File
	tmp   string
	final string
	done  bool
}

// Create 在 final 所在目录创建临时文件（目录不存在时自动创建）。
func Create(final string) (*AtomicFile, error) {
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*.partial")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &AtomicFile{f: f, tmp: f.Name(), final: final}, nil
}

func (a *AtomicFile) Write(p []byte) (int, error) {
	return a.f.Write(p)
}

// Commit 落盘并原子替换到目标路径。
func (a *AtomicFile) Commit() error {
	if a.done {
		return errors.New("atomic file already finished")
	}
	a.done = true
	if err := a.f.Sync(); err != nil {
		_ = a.f.Close()
		_ = os.Remove(a.tmp)
		return fmt.Errorf("sync %s: %w", a.tmp, err)
	}
	if err := a.f.Close(); err != nil {
		_ = os.Remove(a.tmp)
		return fmt.Errorf("close %s: %w", a.tmp, err)
	}
	if err := os.Rename(a.tmp, a.final); err != nil {
		_ = os.Remove(a.tmp)
		return fmt.Errorf("rename %s: %w", a.final, err)
	}
	return nil
}

// Abort 丢弃临时文件；Commit 之后调用无副作用。
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	_ = a.f.Close()
	_ = os.Remove(a.tmp)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ContextReader 在每次 Read 前检查 ctx，取消后返回 ctx.Err()。
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

// CopyFile 把 src 原子复制到 dst，并返回内容 SHA-256 与字节数。
func CopyFile(ctx context.Context, src, dst string) (sum string, n int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := Create(dst)
	if err != nil {
		return "", 0, err
	}
	defer out.Abort()

	h := sha256.New()
	n, err = io.Copy(io.MultiWriter(out, h), ContextReader(ctx, in))
	if err != nil {
		return "", 0, fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Commit(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// WriteFile 原子写入整块内容。
func WriteFile(dst string, data []byte) error {
	out, err := Create(dst)
	if err != nil {
		return err
	}
	defer out.Abort()
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Commit()
}

// SafeName 取文件名部分并替换路径分隔符与控制字符，保证可以安全拼进存储路径。
func SafeName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 32 || r == 127 || r == '/' || r == ':' {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
