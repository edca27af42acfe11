// Package storage resolves where a model artifact comes from and watches it
// on disk once loaded.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const s3Scheme = "s3"

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectRef names an object in a bucket.
type ObjectRef struct {
	Bucket string
	Key    string
}

// ParseLocation splits an artifact location. Plain paths return ok=false;
// s3://bucket/key returns the object reference.
func ParseLocation(location string) (ObjectRef, bool, error) {
	if !strings.HasPrefix(location, s3Scheme+"://") {
		return ObjectRef{}, false, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return ObjectRef{}, false, fmt.Errorf("parse artifact location: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return ObjectRef{}, false, fmt.Errorf("artifact location %q needs a bucket and a key", location)
	}
	return ObjectRef{Bucket: u.Host, Key: key}, true, nil
}

type objectGetter interface {
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// Resolver turns an artifact location into a local file path, downloading
// remote objects into cacheDir.
type Resolver struct {
	client   objectGetter
	cacheDir string
	log      *zap.Logger
}

func NewResolver(opts MinioOptions, cacheDir string, log *zap.Logger) (*Resolver, error) {
	r := &Resolver{cacheDir: cacheDir, log: log}
	if opts.Endpoint == "" {
		return r, nil
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	r.client = client
	return r, nil
}

// Resolve returns a local path for location. Local paths are returned
// unchanged.
func (r *Resolver) Resolve(ctx context.Context, location string) (string, error) {
	ref, remote, err := ParseLocation(location)
	if err != nil {
		return "", err
	}
	if !remote {
		return location, nil
	}
	if r.client == nil {
		return "", errors.New("artifact is remote but minio.endpoint is not configured")
	}

	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", err
	}
	root := filepath.Clean(r.cacheDir)
	local := filepath.Join(root, ref.Bucket, filepath.FromSlash(ref.Key))
	if !strings.HasPrefix(local, root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact key %q escapes the cache directory", ref.Key)
	}
	r.log.Info("downloading model artifact",
		zap.String("bucket", ref.Bucket),
		zap.String("key", ref.Key),
		zap.String("path", local))

	if err := r.client.FGetObject(ctx, ref.Bucket, ref.Key, local, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("download %s: %w", location, err)
	}
	return local, nil
}
