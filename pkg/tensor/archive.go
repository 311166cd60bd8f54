package tensor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store archives tensor snapshots content-addressed: Put returns the
// snapshot's hash, Get retrieves by hash. Archived snapshots are immutable.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// NewStore builds a store from a URL-style location:
//
//	file:///var/lib/arbiter/tensors
//	s3://bucket/prefix
//	gs://bucket/prefix
func NewStore(ctx context.Context, location string) (Store, error) {
	switch {
	case strings.HasPrefix(location, "file://"):
		return NewFileStore(strings.TrimPrefix(location, "file://"))
	case strings.HasPrefix(location, "s3://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(location, "s3://"))
		return NewS3Store(ctx, S3Config{Bucket: bucket, Prefix: prefix})
	case strings.HasPrefix(location, "gs://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(location, "gs://"))
		return newGCSStore(ctx, bucket, prefix)
	default:
		return nil, fmt.Errorf("tensor: unsupported archive location %q", location)
	}
}

func splitBucket(rest string) (bucket, prefix string) {
	bucket, prefix, found := strings.Cut(rest, "/")
	if found && prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("tensor: invalid hash format %q", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("tensor: invalid hash hex: %w", err)
	}
	return raw, nil
}

// FileStore archives snapshots on the local filesystem.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("tensor: ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := contentHash(data)
	raw, _ := rawHash(hash)
	path := filepath.Join(s.baseDir, raw+".json")

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write-then-rename keeps partially written snapshots invisible.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("tensor: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("tensor: commit snapshot: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, raw+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tensor: snapshot not found: %s", hash)
		}
		return nil, fmt.Errorf("tensor: read snapshot: %w", err)
	}
	if contentHash(data) != hash {
		return nil, fmt.Errorf("tensor: snapshot %s failed integrity check", hash)
	}
	return data, nil
}
