package mapsync

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"go.viam.com/mapshare/config"
)

// MaxDecompressedSize bounds the output of Decompress.
const MaxDecompressedSize = 64 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

var (
	zstdEncoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				return nil
			}
			return enc
		},
	}
	zstdDecoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(MaxDecompressedSize))
			if err != nil {
				return nil
			}
			return dec
		},
	}
)

// Compress wraps data with the named codec. CompressionNone returns data unchanged.
func Compress(codec string, data []byte) ([]byte, error) {
	switch codec {
	case config.CompressionNone, "":
		return data, nil
	case config.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		return buf.Bytes(), nil
	case config.CompressionZstd:
		enc, ok := zstdEncoderPool.Get().(*zstd.Encoder)
		if !ok || enc == nil {
			return nil, errors.New("zstd: cannot create encoder")
		}
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
	case config.CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "lz4")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Errorf("unknown compression %q", codec)
	}
}

// DetectCompression names the codec of data by its magic bytes. Anything unrecognized is
// reported as uncompressed.
func DetectCompression(data []byte) string {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return config.CompressionZstd
	case bytes.HasPrefix(data, lz4Magic):
		return config.CompressionLZ4
	case bytes.HasPrefix(data, gzipMagic):
		return config.CompressionGzip
	default:
		return config.CompressionNone
	}
}

// Decompress unwraps data according to its magic bytes. Output larger than MaxDecompressedSize
// fails with ErrTooLarge.
func Decompress(data []byte) ([]byte, error) {
	codec := DetectCompression(data)
	switch codec {
	case config.CompressionNone:
		return data, nil
	case config.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		defer func() { _ = r.Close() }()
		return readBounded(r, codec)
	case config.CompressionZstd:
		dec, ok := zstdDecoderPool.Get().(*zstd.Decoder)
		if !ok || dec == nil {
			return nil, errors.New("zstd: cannot create decoder")
		}
		defer zstdDecoderPool.Put(dec)
		if err := dec.Reset(bytes.NewReader(data)); err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		return readBounded(dec, codec)
	default:
		return readBounded(lz4.NewReader(bytes.NewReader(data)), codec)
	}
}

func readBounded(r io.Reader, codec string) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, errors.Wrap(err, codec)
	}
	if len(out) > MaxDecompressedSize {
		return nil, errors.Wrapf(ErrTooLarge, "%s output exceeds %d bytes", codec, MaxDecompressedSize)
	}
	return out, nil
}
