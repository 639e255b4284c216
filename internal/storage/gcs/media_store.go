// Package gcs provides a media store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write media to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "media/".
	Prefix string
}

// objectWriterFactory opens a writer for one object; tests substitute it.
type objectWriterFactory func(ctx context.Context, bucket, object string) io.WriteCloser

// MediaStore uploads media files to a configured bucket.
type MediaStore struct {
	bucket    string
	prefix    string
	newWriter objectWriterFactory
}

// New creates a GCS-backed media store.
func New(client *storage.Client, cfg Config) (*MediaStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return newStore(cfg, func(ctx context.Context, bucket, object string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentTypeFor(object)
		return w
	}), nil
}

func newStore(cfg Config, factory objectWriterFactory) *MediaStore {
	return &MediaStore{
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		newWriter: factory,
	}
}

// Put streams r into the object prefix/relPath and returns relPath. The object
// only becomes visible once the writer closes cleanly.
func (s *MediaStore) Put(ctx context.Context, relPath string, r io.Reader) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(relPath)), "/")
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	object := rel
	if s.prefix != "" {
		object = s.prefix + "/" + rel
	}

	// Cancelling ctx aborts the upload; the writer must not be closed afterwards.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.newWriter(ctx, s.bucket, object)
	if _, err := io.Copy(writer, r); err != nil {
		cancel()
		_ = writer.Close()
		return "", fmt.Errorf("copy object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return rel, nil
}

// URI returns the gs:// location of a stored relative path.
func (s *MediaStore) URI(relPath string) string {
	if s.prefix == "" {
		return fmt.Sprintf("gs://%s/%s", s.bucket, relPath)
	}
	return fmt.Sprintf("gs://%s/%s/%s", s.bucket, s.prefix, relPath)
}

func contentTypeFor(object string) string {
	if ct := mime.TypeByExtension(path.Ext(object)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
