package processing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"

	"evidence-custody/internal/domain/model"

	"github.com/klauspost/compress/zstd"
	"howett.net/plist"
)

// 内置处理类型。
const (
	TypePlist   = "PLIST"
	TypeStrings = "STRINGS"
	TypeZstd    = "ZSTD"
)

// maxPlistBytes 限制 plist 解码时读入内存的大小。
const maxPlistBytes = 64 << 20

// minStringRun 与 strings(1) 的默认值一致。
const minStringRun = 4

var builtins = map[string]Transform{
	TypePlist:   PlistToJSON,
	TypeStrings: PrintableStrings,
	TypeZstd:    ZstdCompress,
}

// Builtin 按类型名返回内置 transform。
func Builtin(name string) (Transform, error) {
	typ, err := NormalizeType(name)
	if err != nil {
		return nil, err
	}
	t, ok := builtins[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown built-in processing type %q (available: %s)", model.ErrValidation, typ, strings.Join(BuiltinNames(), ", "))
	}
	return t, nil
}

// BuiltinNames 返回全部内置类型名（已排序）。
func BuiltinNames() []string {
	out := make([]string, 0, len(builtins))
	for k := range builtins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PlistToJSON 把 XML / 二进制 plist 解码后输出缩进 JSON。
func PlistToJSON(_ context.Context, src io.Reader, dst io.Writer) error {
	raw, err := io.ReadAll(io.LimitReader(src, maxPlistBytes+1))
	if err != nil {
		return err
	}
	if len(raw) > maxPlistBytes {
		return fmt.Errorf("plist larger than %d bytes", maxPlistBytes)
	}

	var v any
	if _, err := plist.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode plist: %w", err)
	}
	enc := json.NewEncoder(dst)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// PrintableStrings 输出长度不小于 4 的可打印 ASCII 片段，每段一行。
func PrintableStrings(ctx context.Context, src io.Reader, dst io.Writer) error {
	br := bufio.NewReaderSize(src, 64<<10)
	bw := bufio.NewWriter(dst)
	var run []byte

	flush := func() error {
		if len(run) >= minStringRun {
			if _, err := bw.Write(run); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
		}
		run = run[:0]
		return nil
	}

	for n := 0; ; n++ {
		if n&0xFFFF == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if b == '\t' || (b >= 0x20 && b < 0x7f) {
			run = append(run, b)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return bw.Flush()
}

// ZstdCompress 输出 zstd 压缩副本。
func ZstdCompress(_ context.Context, src io.Reader, dst io.Writer) error {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Command 返回运行外部命令的 transform：原件从 stdin 输入，stdout 作为派生物。
func Command(name string, args ...string) Transform {
	return func(ctx context.Context, src io.Reader, dst io.Writer) error {
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = src
		cmd.Stdout = dst
		cmd.Stderr = &limitedBuffer{buf: &stderr, max: 4096}
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%s: %w: %s", name, err, msg)
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
