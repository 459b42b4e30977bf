package odb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"
)

// Compression selects how record payloads are compressed in the data region.
// Every record carries its own method byte, so changing the option only
// affects records written afterwards.
type Compression byte

const (
	NoCompression     Compression = 0
	SnappyCompression Compression = 1
	S2Compression     Compression = 2
	ZstdCompression   Compression = 3
	LZ4Compression    Compression = 4
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case S2Compression:
		return "s2"
	case ZstdCompression:
		return "zstd"
	case LZ4Compression:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", byte(c))
	}
}

const (
	envelopeHeaderSize = 5
	// records below this size are stored raw
	minCompressSize = 64
)

var zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
	return must(zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1)))
})

var zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
	return must(zstd.NewReader(nil, zstd.WithDecoderConcurrency(0)))
})

// sealRecord appends the envelope for raw to dst: a method byte, the low 32
// bits of the payload's xxh3 hash, then the (possibly compressed) payload.
func sealRecord(dst, raw []byte, method Compression) []byte {
	off, dst := grow(dst, envelopeHeaderSize)
	start := len(dst)

	if len(raw) < minCompressSize {
		method = NoCompression
	}
	switch method {
	case SnappyCompression:
		dst = append(dst, snappy.Encode(nil, raw)...)
	case S2Compression:
		dst = append(dst, s2.Encode(nil, raw)...)
	case ZstdCompression:
		dst = zstdEncoder().EncodeAll(raw, dst)
	case LZ4Compression:
		dst = appendUvarint(dst, uint64(len(raw)))
		blockStart, buf := grow(dst, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf[blockStart:], nil)
		if err != nil || n == 0 {
			dst, method = append(dst[:start], raw...), NoCompression
		} else {
			dst = buf[:blockStart+n]
		}
	default:
		method = NoCompression
		dst = append(dst, raw...)
	}
	if method != NoCompression && len(dst)-start >= len(raw) {
		dst, method = append(dst[:start], raw...), NoCompression
	}

	dst[off] = byte(method)
	binary.LittleEndian.PutUint32(dst[off+1:], uint32(xxh3.Hash(dst[start:])))
	return dst
}

// openRecord verifies and decompresses an envelope. The result may alias env.
func openRecord(env []byte) ([]byte, error) {
	if len(env) < envelopeHeaderSize {
		return nil, dataErrf(env, 0, nil, "record envelope too short")
	}
	method := Compression(env[0])
	sum := binary.LittleEndian.Uint32(env[1:])
	payload := env[envelopeHeaderSize:]
	if actual := uint32(xxh3.Hash(payload)); actual != sum {
		return nil, dataErrf(env, 1, nil, "record checksum mismatch: stored %08x, computed %08x", sum, actual)
	}

	var raw []byte
	var err error
	switch method {
	case NoCompression:
		return payload, nil
	case SnappyCompression:
		raw, err = snappy.Decode(nil, payload)
	case S2Compression:
		raw, err = s2.Decode(nil, payload)
	case ZstdCompression:
		raw, err = zstdDecoder().DecodeAll(payload, nil)
	case LZ4Compression:
		r := makeReader(payload)
		var n int
		if n, err = r.ReadUvarinti(); err == nil {
			raw = make([]byte, n)
			var m int
			m, err = lz4.UncompressBlock(r.Buf, raw)
			if err == nil && m != n {
				err = fmt.Errorf("lz4: %d bytes decoded, %d expected", m, n)
			}
		}
	default:
		return nil, dataErrf(env, 0, nil, "unknown compression %v", method)
	}
	if err != nil {
		return nil, dataErrf(env, envelopeHeaderSize, err, "cannot decompress %v record", method)
	}
	return raw, nil
}
