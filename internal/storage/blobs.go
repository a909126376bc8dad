package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BlobStore persists opaque attachment bytes and hands back a URL path the
// HTTP layer can serve. Deletion is best-effort by contract; callers log
// failures and move on.
type BlobStore interface {
	Save(bucket string, data []byte, suggestedName string) (url string, err error)
	Delete(url string) error
}

// DiskBlobStore keeps blobs under baseDir/<bucket>/<uuid>-<name> and maps
// them to /uploads/<bucket>/<file> URLs.
type DiskBlobStore struct {
	baseDir string
}

const blobURLPrefix = "/uploads/"

func NewDiskBlobStore(baseDir string) (*DiskBlobStore, error) {
	if baseDir == "" {
		return nil, errors.New("blob base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &DiskBlobStore{baseDir: abs}, nil
}

// BaseDir returns the absolute root the store writes under.
func (b *DiskBlobStore) BaseDir() string {
	return b.baseDir
}

// Save writes the blob and returns its public URL path.
func (b *DiskBlobStore) Save(bucket string, data []byte, suggestedName string) (string, error) {
	bucket = sanitizeComponent(bucket)
	name := fmt.Sprintf("%s-%s", uuid.NewString(), sanitizeComponent(suggestedName))
	dir := filepath.Join(b.baseDir, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", err
	}
	return blobURLPrefix + bucket + "/" + name, nil
}

// Delete removes the blob behind a URL previously returned by Save. Unknown
// or traversal-shaped URLs are rejected without touching the filesystem.
func (b *DiskBlobStore) Delete(url string) error {
	rel, ok := strings.CutPrefix(url, blobURLPrefix)
	if !ok {
		return fmt.Errorf("not a blob url: %q", url)
	}
	path, err := b.Resolve(rel)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// Resolve maps a relative blob path to an absolute file path, refusing
// anything that escapes the base directory.
func (b *DiskBlobStore) Resolve(rel string) (string, error) {
	path := filepath.Join(b.baseDir, filepath.FromSlash(rel))
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if abs != b.baseDir && !strings.HasPrefix(abs, b.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes blob directory: %q", rel)
	}
	return abs, nil
}

func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}
