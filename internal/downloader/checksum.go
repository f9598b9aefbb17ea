package downloader

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// newHasher returns a hasher for the named digest algorithm. Names are
// matched case-insensitively.
func newHasher(algorithm string) (hash.Hash, bool) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), true
	case "sha1":
		return sha1.New(), true
	case "sha256":
		return sha256.New(), true
	case "crc32":
		return crc32.NewIEEE(), true
	case "blake3":
		return blake3.New(32, nil), true
	default:
		return nil, false
	}
}

// ChecksumSupported reports whether the named digest algorithm is available.
func ChecksumSupported(algorithm string) bool {
	_, ok := newHasher(algorithm)

	return ok
}

// ComputeChecksum streams the file at path through the named algorithm and
// returns the lowercase hex digest.
func ComputeChecksum(path, algorithm string) (string, error) {
	h, ok := newHasher(algorithm)
	if !ok {
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}

	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidateChecksum compares the digest of the file at path against expected,
// case-insensitively.
func ValidateChecksum(path, expected, algorithm string) (bool, error) {
	got, err := ComputeChecksum(path, algorithm)
	if err != nil {
		return false, err
	}

	return strings.EqualFold(got, expected), nil
}
