// Package artifactstore uploads finalized run artifacts to
// S3-compatible object storage.
package artifactstore

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/config"
	"github.com/coderelay/sandrun/internal/logging"
)

// uploader is the slice of the minio client the store uses.
type uploader interface {
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store pushes run directories to a bucket.
type Store struct {
	client uploader
	bucket string
	log    *zap.Logger
}

// New connects to the configured endpoint. Call only when
// cfg.Enabled().
func New(cfg config.Artifacts, log *zap.Logger) (*Store, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("artifactstore: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("artifactstore: connect %s: %w", cfg.Endpoint, err)
	}
	return &Store{client: client, bucket: cfg.Bucket, log: logging.OrNop(log)}, nil
}

// UploadRun walks runDir and uploads every file under
// runs/<sessionID>/<relative path>. It returns the number of objects
// uploaded; the first upload failure aborts the walk.
func (s *Store) UploadRun(ctx context.Context, runDir, sessionID string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(runDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runDir, p)
		if err != nil {
			return err
		}
		key := path.Join("runs", sessionID, filepath.ToSlash(rel))
		opts := minio.PutObjectOptions{ContentType: contentType(rel)}
		if _, err := s.client.FPutObject(ctx, s.bucket, key, p, opts); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		s.log.Debug("uploaded artifact",
			zap.String("bucket", s.bucket),
			zap.String("key", key))
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, fmt.Errorf("artifactstore: %w", err)
	}
	s.log.Info("run artifacts uploaded",
		zap.String("session", sessionID),
		zap.Int("objects", uploaded))
	return uploaded, nil
}

func contentType(rel string) string {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".json":
		return "application/json"
	case ".patch", ".diff":
		return "text/x-diff"
	case ".txt", ".out", ".err":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
