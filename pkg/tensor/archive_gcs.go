//go:build gcp

package tensor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore archives snapshots in a GCS bucket under their content hash.
// Built only with the gcp tag; the GCS client pulls a large dependency
// tree that most deployments do not need.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("tensor: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".json")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := contentHash(data)
	raw, _ := rawHash(hash)

	obj := s.object(raw)
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("tensor: gcs stat: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("tensor: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("tensor: gcs commit: %w", err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.object(raw).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("tensor: snapshot not found: %s", hash)
		}
		return nil, fmt.Errorf("tensor: gcs read: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("tensor: gcs read: %w", err)
	}
	if contentHash(data) != hash {
		return nil, fmt.Errorf("tensor: snapshot %s failed integrity check", hash)
	}
	return data, nil
}
