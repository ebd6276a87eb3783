// Package s3 implements storage.Backend on any S3 compatible object store
// via the MinIO client.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pcfd/internal/storage"
)

// Config configures the S3 backend.
type Config struct {
	// Endpoint overrides the default AWS endpoint (host[:port], no scheme).
	Endpoint string
	// Region is passed to the client and used to derive the AWS endpoint
	// when Endpoint is empty.
	Region string
	// Bucket holds all queue and history objects. Required.
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	// Insecure disables TLS (local development and tests).
	Insecure bool
	// ForcePathStyle selects path-style bucket addressing.
	ForcePathStyle bool
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
	// CustomCreds overrides the default environment/IAM credential chain.
	CustomCreds *credentials.Credentials
}

// Store implements storage.Backend against an S3 bucket.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return clone
}

// Put stores data under key with the requested conditional semantics and
// returns the new ETag.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) (string, error) {
	object := s.prefixed(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	putOpts := minio.PutObjectOptions{ContentType: contentType}
	switch {
	case opts.IfMatch != "":
		putOpts.SetMatchETag(opts.IfMatch)
	case opts.IfNoneMatch:
		putOpts.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(data), int64(len(data)), putOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if isNoSuchKey(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("s3: put %s: %w", object, err)
	}
	return stripETag(info.ETag), nil
}

// Get returns the payload and current ETag for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	object := s.prefixed(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("s3: get %s: %w", object, err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", fmt.Errorf("s3: stat %s: %w", object, err)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, "", fmt.Errorf("s3: read %s: %w", object, err)
	}
	return buf.Bytes(), stripETag(info.ETag), nil
}

// Delete removes key. S3 has no conditional delete, so IfMatch is enforced
// with a stat-and-compare; the window between stat and remove is accepted.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) error {
	object := s.prefixed(key)
	if opts.IfMatch != "" {
		info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
		if err != nil {
			if isNoSuchKey(err) {
				if opts.IgnoreNotFound {
					return nil
				}
				return storage.ErrNotFound
			}
			return fmt.Errorf("s3: stat %s: %w", object, err)
		}
		if stripETag(info.ETag) != opts.IfMatch {
			return storage.ErrCASMismatch
		}
	} else if !opts.IgnoreNotFound {
		if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
			if isNoSuchKey(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("s3: stat %s: %w", object, err)
		}
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("s3: delete %s: %w", object, err)
	}
	return nil
}

// List enumerates objects under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	full := s.prefixed(prefix)
	opts := minio.ListObjectsOptions{Prefix: full, Recursive: true}
	var infos []storage.ObjectInfo
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", full, object.Err)
		}
		infos = append(infos, storage.ObjectInfo{
			Key:      s.unprefixed(object.Key),
			ETag:     stripETag(object.ETag),
			Size:     object.Size,
			Modified: object.LastModified,
		})
	}
	return infos, nil
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) prefixed(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + strings.TrimPrefix(key, "/")
}

func (s *Store) unprefixed(object string) string {
	if s.cfg.Prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, s.cfg.Prefix+"/")
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ToErrorResponse(err)
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
}

func isNoSuchKey(err error) bool {
	errResp := minio.ToErrorResponse(err)
	return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
}
