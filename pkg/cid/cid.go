// Package cid derives and checks content identifiers for stored chunks.
//
// A CID is the fixed prefix "baf" followed by the first 56 hex characters of
// the SHA-256 digest of the chunk bytes. Keeping 224 of the 256 digest bits
// gives a shorter identifier while collision risk stays negligible for the
// chunk volumes a single verifier handles.
package cid

import (
	"encoding/hex"
	"io"

	sha256 "github.com/minio/sha256-simd"

	"github.com/LICODX/chunkproof/pkg/core"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

func Compute(data []byte) string {
	sum := sha256.Sum256(data)
	return core.CIDPrefix + hex.EncodeToString(sum[:])[:core.CIDDigestLength]
}

// ComputeReader hashes r without buffering it and returns the CID and byte count.
func ComputeReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return core.CIDPrefix + hex.EncodeToString(h.Sum(nil))[:core.CIDDigestLength], n, nil
}

func Verify(c string, data []byte) bool {
	return Compute(data) == c
}

// Validate checks the textual shape of a CID without touching storage.
func Validate(c string) error {
	if c == "" {
		return core.Validation("cid is required")
	}
	if len(c) != core.CIDLength {
		return core.Validation("cid %q must be %d characters", c, core.CIDLength)
	}
	if c[:len(core.CIDPrefix)] != core.CIDPrefix {
		return core.Validation("cid %q must start with %q", c, core.CIDPrefix)
	}
	for _, r := range c[len(core.CIDPrefix):] {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return core.Validation("cid %q contains non-hex digest characters", c)
		}
	}
	return nil
}

// ShardKey is the two characters immediately after the prefix.
func ShardKey(c string) string {
	start := len(core.CIDPrefix)
	if len(c) < start+core.ShardKeyLength {
		return "00"
	}
	return c[start : start+core.ShardKeyLength]
}

// ContentType hints how an HTTP layer should label a payload. It never
// affects addressing or integrity.
func ContentType(data []byte) string {
	if len(data) > 0 && data[0] == '{' {
		return ContentTypeJSON
	}
	return ContentTypeBinary
}

// Proof is hex(sha256(data || nonce)) with the nonce mixed in as its hex text.
func Proof(data []byte, nonce string) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}
