package engine

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// digestWriter forwards writes to w and hashes what was accepted.
type digestWriter struct {
	w io.Writer
	h *blake3.Hasher
}

func newDigestWriter(w io.Writer) *digestWriter {
	return &digestWriter{w: w, h: blake3.New()}
}

func (d *digestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	_, _ = d.h.Write(p[:n])
	return n, err
}

// Digest returns the hex BLAKE3 digest of everything written so far.
func (d *digestWriter) Digest() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// HashReader computes the hex BLAKE3 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	digest, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return digest, nil
}
