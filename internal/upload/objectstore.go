package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config addresses an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("s3.endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("s3.endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("s3.access_key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("s3.secret_key is required")
	}
	return nil
}

type objectPutter interface {
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectStore uploads to prefix/<uuid>/<basename> in a bucket.
type ObjectStore struct {
	client objectPutter
	bucket string
	prefix string
	logger *log.Logger
	newID  func() string
}

// NewObjectStore parses an s3://bucket/prefix location and builds a client.
func NewObjectStore(location string, cfg S3Config, logger *log.Logger) (*ObjectStore, error) {
	bucket, prefix, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return newObjectStore(client, bucket, prefix, logger), nil
}

func newObjectStore(client objectPutter, bucket, prefix string, logger *log.Logger) *ObjectStore {
	if logger == nil {
		logger = log.Default()
	}
	return &ObjectStore{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// ParseLocation splits s3://bucket/prefix.
func ParseLocation(location string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(location), "s3://")
	if !ok {
		return "", "", fmt.Errorf("storage %q is not an s3:// location", location)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("storage %q has no bucket", location)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

func (o *ObjectStore) Upload(ctx context.Context, localPath string) (string, bool) {
	base := path.Join(o.prefix, o.newID(), filepath.Base(localPath))
	info, err := os.Stat(localPath)
	if err != nil {
		o.logger.Warn("upload failed", "path", localPath, "error", err)
		return "", false
	}
	if info.IsDir() {
		err = o.putDir(ctx, localPath, base)
	} else {
		err = o.put(ctx, localPath, base)
	}
	if err != nil {
		o.logger.Warn("upload failed", "path", localPath, "bucket", o.bucket, "key", base, "error", err)
		return "", false
	}
	uri := "s3://" + o.bucket + "/" + base
	o.logger.Debug("uploaded", "path", localPath, "uri", uri)
	return uri, true
}

func (o *ObjectStore) put(ctx context.Context, localPath, key string) error {
	_, err := o.client.FPutObject(ctx, o.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// putDir uploads every regular file under dir below a shared key prefix.
func (o *ObjectStore) putDir(ctx context.Context, dir, base string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return o.put(ctx, p, path.Join(base, filepath.ToSlash(rel)))
	})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
