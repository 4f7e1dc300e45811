// Package archive stores exported agreement reports in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"concord/api/internal/export"
)

var ErrDisabled = errors.New("report archive is not configured")

// Backend is the object store the archive writes to.
type Backend interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Archive struct {
	backend Backend
}

// New returns an archive over backend. A nil backend yields a disabled archive.
func New(backend Backend) *Archive {
	return &Archive{backend: backend}
}

func (a *Archive) Enabled() bool {
	return a != nil && a.backend != nil
}

// ObjectKey is the stable location of an exported report file.
func ObjectKey(projectID, reportID, filename string) string {
	return path.Join("reports", projectID, reportID, filename)
}

// PutReport uploads one exported file and returns its object key.
func (a *Archive) PutReport(ctx context.Context, projectID, reportID string, file *export.Result) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}
	if file == nil {
		return "", errors.New("put report: file is required")
	}
	key := ObjectKey(projectID, reportID, file.Filename)
	if err := a.backend.Put(ctx, key, file.MimeType, file.Data); err != nil {
		return "", fmt.Errorf("put report %s: %w", key, err)
	}
	logrus.WithFields(logrus.Fields{"report": reportID, "key": key, "bytes": len(file.Data)}).Info("archived report")
	return key, nil
}

func (a *Archive) GetReport(ctx context.Context, key string) ([]byte, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	data, err := a.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", key, err)
	}
	return data, nil
}

// Minio implements Backend on a MinIO or S3 bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects and creates the bucket when it is missing.
func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Minio{client: client, bucket: bucket}, nil
}

func (m *Minio) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (m *Minio) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
