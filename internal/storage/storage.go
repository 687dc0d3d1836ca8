package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kacper-wojtaszczyk/obsync/internal/config"
)

// ErrNotFound is returned (wrapped) by Get when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Bucket is the key/value capability every backend offers over a single bucket.
type Bucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

var (
	_ Bucket = (*MinIOClient)(nil)
	_ Bucket = (*S3Client)(nil)
	_ Bucket = (*DirStore)(nil)
	_ Bucket = (*MemoryStore)(nil)
)

// Open connects to bucket using the backend named in the credentials file.
func Open(ctx context.Context, creds *config.Credentials, bucket string) (Bucket, error) {
	switch creds.Backend {
	case config.BackendMinIO, "":
		endpoint, secure, err := splitEndpoint(creds.EndpointURL, creds.UseSSL)
		if err != nil {
			return nil, err
		}
		return NewMinIOClient(ctx, MinIOConfig{
			Endpoint:  endpoint,
			AccessKey: creds.Token,
			SecretKey: creds.Secret,
			Bucket:    bucket,
			UseSSL:    secure,
			Region:    creds.Region,
		})
	case config.BackendS3:
		return NewS3Client(ctx, S3Config{
			Endpoint:  creds.EndpointURL,
			AccessKey: creds.Token,
			SecretKey: creds.Secret,
			Region:    creds.Region,
			Bucket:    bucket,
			PathStyle: creds.PathStyle,
		})
	case config.BackendLocal:
		return NewDirStore(filepath.Join(creds.Root, bucket))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", creds.Backend)
	}
}
