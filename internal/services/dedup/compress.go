package dedup

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec 是块文件头部的 1 字节压缩标记。取值写入磁盘，不可更改。
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

// headerSize = 1 字节 codec + 4 字节未压缩长度（大端）。
const headerSize = 5

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec 解析策略中的 chunk_compression；空字符串按 zstd 处理。
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd", "":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown chunk compression %q", name)
	}
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("dedup: zstd encoder init: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("dedup: zstd decoder init: " + err.Error())
	}
}

// encodeChunk 返回带头部的块文件内容。压缩后不变小时退回 CodecNone。
func encodeChunk(data []byte, codec Codec) ([]byte, Codec, error) {
	var body []byte
	var err error
	switch codec {
	case CodecNone:
		body = data
	case CodecLZ4:
		body, err = compressLZ4(data)
	case CodecZstd:
		body, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported codec %d", codec)
	}
	if errors.Is(err, errIncompressible) {
		body, codec, err = data, CodecNone, nil
	}
	if err != nil {
		return nil, 0, err
	}

	out := make([]byte, headerSize+len(body))
	out[0] = byte(codec)
	binary.BigEndian.PutUint32(out[1:headerSize], uint32(len(data)))
	copy(out[headerSize:], body)
	return out, codec, nil
}

// decodeChunk 解析块文件并校验未压缩长度。
func decodeChunk(raw []byte) ([]byte, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("chunk too short: %d bytes", len(raw))
	}
	codec := Codec(raw[0])
	size := int(binary.BigEndian.Uint32(raw[1:headerSize]))
	body := raw[headerSize:]

	switch codec {
	case CodecNone:
		if len(body) != size {
			return nil, fmt.Errorf("stored chunk: size %d does not match header %d", len(body), size)
		}
		return body, nil
	case CodecLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
