// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dict

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Compression identifies the compression applied to a pushed schema document.
type Compression byte

const (
	CompressNone Compression = 0
	CompressZlib Compression = 1
	CompressGzip Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressZlib:
		return "zlib"
	case CompressGzip:
		return "gzip"
	default:
		return fmt.Sprintf("compression:%d", byte(c))
	}
}

// Compress compresses data with the specified algorithm.
func Compress(alg Compression, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch alg {
	case CompressNone:
		return data, nil
	case CompressZlib:
		w = zlib.NewWriter(&buf)
	case CompressGzip:
		w = gzip.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unknown compression %v", alg)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses [Compress]. The decompressed size is limited to
// [MaxSchemaSize] bytes.
func Decompress(alg Compression, data []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch alg {
	case CompressNone:
		return data, nil
	case CompressZlib:
		r, err = zlib.NewReader(bytes.NewReader(data))
	case CompressGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unknown compression %v", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress %v: %w", alg, err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxSchemaSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress %v: %w", alg, err)
	} else if len(out) > MaxSchemaSize {
		return nil, fmt.Errorf("decompress %v: document exceeds %d bytes", alg, MaxSchemaSize)
	}
	return out, nil
}
