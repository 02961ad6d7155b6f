// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// BlobStore persists photo bytes. Put returns the bytes to keep in the photos.content column,
// which is nil for stores that hold content elsewhere; Get receives that column back.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (inline []byte, err error)
	Get(ctx context.Context, key string, inline []byte) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// InlineBlobStore keeps content in Postgres next to the photo metadata.
type InlineBlobStore struct{}

func (InlineBlobStore) Put(_ context.Context, _, _ string, data []byte) ([]byte, error) {
	return data, nil
}

func (InlineBlobStore) Get(_ context.Context, key string, inline []byte) ([]byte, error) {
	if inline == nil {
		return nil, fmt.Errorf("photo %s has no inline content", key)
	}
	return inline, nil
}

func (InlineBlobStore) Delete(context.Context, string) error { return nil }

// GCSBlobStore keeps content in a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures NewGCSBlobStore. Empty CredentialsJSON falls back to application
// default credentials.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsJSON string
}

// NewGCSBlobStore opens a storage client and checks the bucket is reachable.
func NewGCSBlobStore(ctx context.Context, cfg GCSConfig) (*GCSBlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q not accessible: %w", cfg.Bucket, err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (g *GCSBlobStore) object(key string) *storage.ObjectHandle {
	name := key
	if g.prefix != "" {
		name = g.prefix + "/" + key
	}
	return g.client.Bucket(g.bucket).Object(name)
}

func (g *GCSBlobStore) Put(ctx context.Context, key, contentType string, data []byte) ([]byte, error) {
	wc := g.object(key).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	return nil, nil
}

func (g *GCSBlobStore) Get(ctx context.Context, key string, _ []byte) ([]byte, error) {
	rc, err := g.object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *GCSBlobStore) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// Close releases the storage client.
func (g *GCSBlobStore) Close() error {
	return g.client.Close()
}
