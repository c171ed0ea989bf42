package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// gzipPrefix is the base64 rendering of the gzip magic bytes 1f 8b 08.
const gzipPrefix = "H4sI"

// Compress gzips s and encodes it as base64 when len(s) exceeds threshold.
// Shorter strings are returned as-is. A threshold < 0 disables compression.
func Compress(s string, threshold int) (string, error) {
	if threshold < 0 || len(s) <= threshold {
		return s, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		return "", fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress. Strings that were not compressed are returned
// unchanged.
func Decompress(s string) (string, error) {
	if !IsCompressed(s) {
		return s, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("gzip read: %w", err)
	}
	return string(out), nil
}

// IsCompressed reports whether s looks like Compress output. Plain payloads
// are JSON documents and never start with the gzip prefix.
func IsCompressed(s string) bool { return strings.HasPrefix(s, gzipPrefix) }
