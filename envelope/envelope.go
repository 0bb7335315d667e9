// Package envelope detects and opens encrypted tracker payloads.
//
// An encrypted payload is a JSON object carrying an "iv" and a "data" field
// and an optional numeric version "v". Version 1 is plain AES-GCM, version 2
// gzips the plaintext before encryption and version 3 uses brotli.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/andybalholm/brotli"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/aydenstechdungeon/livetrack/apperr"
)

const (
	// DefaultVersion applies when the payload carries no "v" field.
	DefaultVersion = 1

	keySize   = 32
	keyPad    = "#"
	nonceSize = 12
)

// ErrUnsupportedVersion is returned for an unknown envelope version.
var ErrUnsupportedVersion = errors.New("unsupported encryption version")

type compression int

const (
	compressNone compression = iota
	compressGzip
	compressBrotli
)

var versions = map[int]compression{
	1: compressNone,
	2: compressGzip,
	3: compressBrotli,
}

// Config configures a Decrypter.
type Config struct {
	// Enabled turns decryption on. When false every payload passes through.
	Enabled bool
	// Secret is the shared secret the tracker derives its key from.
	Secret string
}

// Decrypter opens envelopes produced by the tracker.
type Decrypter struct {
	enabled bool
	aead    func(nonceLen int) (cipher.AEAD, error)
	logger  *slog.Logger
}

// New creates a Decrypter.
func New(cfg Config, logger *slog.Logger) *Decrypter {
	if logger == nil {
		logger = slog.Default()
	}
	key := DeriveKey(cfg.Secret)
	return &Decrypter{
		enabled: cfg.Enabled,
		logger:  logger.With("component", "envelope"),
		aead: func(nonceLen int) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			if nonceLen == nonceSize {
				return cipher.NewGCM(block)
			}
			return cipher.NewGCMWithNonceSize(block, nonceLen)
		},
	}
}

// DeriveKey pads the secret with '#' and truncates it to the AES-256 key size.
func DeriveKey(secret string) []byte {
	if len(secret) < keySize {
		secret += strings.Repeat(keyPad, keySize-len(secret))
	}
	return []byte(secret[:keySize])
}

// IsEncrypted reports whether v has the structure of an envelope.
// It does not check that the contents decrypt.
func IsEncrypted(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	return isBinaryField(m["iv"]) && isBinaryField(m["data"])
}

func isBinaryField(v any) bool {
	switch b := v.(type) {
	case string:
		return true
	case []byte:
		return true
	case []any:
		for _, x := range b {
			if _, ok := x.(float64); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// Decrypt returns the opened payload. When decryption is disabled, v is not
// an envelope, or opening fails, v is returned unchanged; callers detect the
// failure case with IsEncrypted on the result.
func (d *Decrypter) Decrypt(v any) any {
	if !d.enabled || !IsEncrypted(v) {
		return v
	}
	out, err := d.Open(v.(map[string]any))
	if err != nil {
		d.logger.Warn("failed to decrypt payload", "error", err)
		return v
	}
	return out
}

// Open decrypts an envelope and parses the plaintext as JSON.
func (d *Decrypter) Open(env map[string]any) (any, error) {
	version, err := envelopeVersion(env)
	if err != nil {
		return nil, apperr.Decode("envelope version", err)
	}
	comp, ok := versions[version]
	if !ok {
		return nil, apperr.Decode("envelope version", fmt.Errorf("%w: %d", ErrUnsupportedVersion, version))
	}

	iv, err := binaryField(env["iv"])
	if err != nil {
		return nil, apperr.Decode("decode iv", err)
	}
	data, err := binaryField(env["data"])
	if err != nil {
		return nil, apperr.Decode("decode data", err)
	}
	if len(iv) == 0 {
		return nil, apperr.Decode("decode iv", errors.New("empty iv"))
	}

	aead, err := d.aead(len(iv))
	if err != nil {
		return nil, apperr.Decode("init cipher", err)
	}
	plain, err := aead.Open(nil, iv, data, nil)
	if err != nil {
		return nil, apperr.Decode("decrypt", err)
	}

	plain, err = decompress(comp, plain)
	if err != nil {
		return nil, apperr.Decode("decompress", err)
	}

	var out any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, apperr.Decode("parse plaintext", err)
	}
	return out, nil
}

// Seal encrypts v into an envelope of the given version. The tracker does
// this in the browser; the server uses it in tests and tooling.
func (d *Decrypter) Seal(v any, version int) (map[string]any, error) {
	comp, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	plain, err = compress(comp, plain)
	if err != nil {
		return nil, err
	}
	aead, err := d.aead(nonceSize)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, iv, plain, nil)
	return map[string]any{
		"v":    float64(version),
		"iv":   base64.StdEncoding.EncodeToString(iv),
		"data": base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func envelopeVersion(env map[string]any) (int, error) {
	raw, ok := env["v"]
	if !ok || raw == nil {
		return DefaultVersion, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	}
	return 0, fmt.Errorf("version has type %T", raw)
}

func binaryField(v any) ([]byte, error) {
	switch b := v.(type) {
	case string:
		if out, err := base64.StdEncoding.DecodeString(b); err == nil {
			return out, nil
		}
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(b, "="))
	case []byte:
		return b, nil
	case []any:
		out := make([]byte, len(b))
		for i, x := range b {
			n, ok := x.(float64)
			if !ok || n < 0 || n > 255 {
				return nil, fmt.Errorf("byte %d out of range", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected type %T", v)
}

func decompress(c compression, in []byte) ([]byte, error) {
	switch c {
	case compressGzip:
		zr, err := gzip.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(in)))
	}
	return in, nil
}

func compress(c compression, in []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case compressGzip:
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(in); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case compressBrotli:
		bw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := bw.Write(in); err != nil {
			return nil, err
		}
		if err := bw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return in, nil
}
