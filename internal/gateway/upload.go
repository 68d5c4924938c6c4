package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/docreview/docreview/internal/docerr"
)

// storeUpload hashes an uploaded file and writes it under
// <uploadDir>/<sha256[:2]>/<sha256>, a content-addressed layout. Writing
// to a sha256-prefixed temp name first and renaming into
// place makes concurrent uploads of the same bytes race-safe: the loser's
// rename target already exists with identical content.
func storeUpload(uploadDir string, r io.Reader, maxBytes int64) (sha256Hex string, storedPath string, size int64, err error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", "", 0, fmt.Errorf("create upload dir: %w", err)
	}

	tmp, err := os.CreateTemp(uploadDir, "upload-*.tmp")
	if err != nil {
		return "", "", 0, fmt.Errorf("create temp upload file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	h := sha256.New()
	limited := io.LimitReader(r, maxBytes+1)
	n, err := io.Copy(io.MultiWriter(tmp, h), limited)
	if err != nil {
		return "", "", 0, fmt.Errorf("write upload: %w", err)
	}
	if n > maxBytes {
		return "", "", 0, docerr.New(docerr.KindValidation, docerr.CodeFileTooLarge, "uploaded file exceeds configured max_file_size_bytes")
	}
	if err := tmp.Sync(); err != nil {
		return "", "", 0, fmt.Errorf("sync upload: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	destDir := filepath.Join(uploadDir, sum[:2])
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", 0, fmt.Errorf("create upload shard dir: %w", err)
	}
	dest := filepath.Join(destDir, sum)

	if _, statErr := os.Stat(dest); statErr == nil {
		return sum, dest, n, nil
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, fmt.Errorf("close temp upload file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", "", 0, fmt.Errorf("rename upload into place: %w", err)
	}
	return sum, dest, n, nil
}

// sniffMimeType resolves the mime type to record for an upload: the
// client-declared Content-Type if recognized, falling back to a guess from
// the file extension.
func sniffMimeType(declared, filename string) string {
	if declared != "" {
		if t, _, err := mime.ParseMediaType(declared); err == nil && t != "" && t != "application/octet-stream" {
			return t
		}
	}
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		if parsed, _, err := mime.ParseMediaType(t); err == nil {
			return parsed
		}
	}
	return "text/plain"
}
