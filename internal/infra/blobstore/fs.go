// Package blobstore keeps uploaded proof files on local disk, addressed by
// their SHA-256 digest.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/proofwork/proofwork/internal/domain"
)

// FS stores blobs under dir/<first two hex chars>/<digest>.
type FS struct {
	dir string
}

// NewFS creates the store, creating dir if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FS{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FS) Dir() string { return s.dir }

// Put writes r under digest and returns its reference. The bytes are
// re-hashed while written; content that does not match digest is
// discarded. Storing an existing digest is a no-op.
func (s *FS) Put(ctx context.Context, digest string, r io.Reader) (string, error) {
	if !domain.IsHexDigest(digest) {
		return "", domain.Invalid("blob digest %q is not a sha-256 hex digest", digest)
	}
	ref := Ref(digest)
	final := s.path(digest)
	if _, err := os.Stat(final); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	got, _, err := domain.HashReader(io.TeeReader(r, tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if got != digest {
		return "", fmt.Errorf("blob content hashes to %s, want %s: %w", got, digest, domain.ErrIntegrityViolation)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

// Open returns the blob stored under digest.
func (s *FS) Open(digest string) (io.ReadCloser, error) {
	if !domain.IsHexDigest(digest) {
		return nil, domain.Invalid("blob digest %q is not a sha-256 hex digest", digest)
	}
	f, err := os.Open(s.path(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", digest, domain.ErrNotFound)
	}
	return f, err
}

// Ref is the stable reference stored on a task step.
func Ref(digest string) string { return "sha256:" + digest }

func (s *FS) path(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest)
}
