package helpers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"os"
	"strings"

	"go-batch-download/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// ErrUnsupportedChecksum is returned for checksum algorithms we cannot compute.
var ErrUnsupportedChecksum = errors.New("unsupported checksum algorithm")

// newHasher returns a streaming hasher for the given algorithm name.
func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(), nil
	case "crc32":
		return crc32.NewIEEE(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedChecksum, algorithm)
}

// FileChecksum computes the hex digest of a file with the given algorithm.
func FileChecksum(path string, algorithm string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum checks a file against an expected checksum. Comparison is
// case-insensitive; CRC32 values may omit leading zeros.
func VerifyChecksum(path string, sum models.Checksum) (bool, error) {
	calculated, err := FileChecksum(path, sum.Algorithm)
	if err != nil {
		return false, err
	}
	expected := strings.ToLower(strings.TrimSpace(sum.Value))
	if strings.EqualFold(sum.Algorithm, "crc32") {
		calculated = strings.TrimLeft(calculated, "0")
		expected = strings.TrimLeft(expected, "0")
	}
	if calculated != expected {
		log.WithField("hash", sum.Algorithm).Debugf("Hash mismatch for %s: got %s, want %s", path, calculated, expected)
		return false, nil
	}
	log.WithField("hash", sum.Algorithm).Debugf("Hash match for %s", path)
	return true, nil
}

// CounterWriter tracks the number of bytes written to the underlying writer.
// Every Write checks Ctx first so a cancelled transfer stops at the next
// chunk boundary, and reports the chunk size to OnWrite.
type CounterWriter struct {
	Ctx     context.Context
	Total   int64
	Writer  io.Writer
	OnWrite func(n int64)
}

// Write implements the io.Writer interface for CounterWriter.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	if cw.Ctx != nil {
		if err := context.Cause(cw.Ctx); err != nil {
			return 0, err
		}
	}
	n, err := cw.Writer.Write(p)
	cw.Total += int64(n)
	if n > 0 && cw.OnWrite != nil {
		cw.OnWrite(int64(n))
	}
	return n, err
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1 // Handle very large sizes
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// ConvertToSlug converts a string into a filesystem-friendly slug.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	// Simplify repeated separators
	for strings.Contains(str, "--") {
		str = strings.ReplaceAll(str, "--", "-")
	}
	for strings.Contains(str, "__") {
		str = strings.ReplaceAll(str, "__", "_")
	}
	str = strings.ReplaceAll(str, "-_", "-")
	str = strings.ReplaceAll(str, "_-", "-")

	str = strings.Trim(str, "_-")

	return str
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
