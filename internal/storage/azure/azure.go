// Package azure implements storage.Backend on Azure Blob Storage with
// native conditional (ETag) operations.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/pcfd/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New constructs a Store and ensures the container exists.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, nil)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil {
		if !isContainerExists(err) {
			return nil, fmt.Errorf("azure: create container: %w", err)
		}
	}

	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Put uploads data under key with the requested conditional semantics and
// returns the new ETag.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) (string, error) {
	blobName := s.prefixed(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	}
	switch {
	case opts.IfMatch != "":
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.IfMatch)),
			},
		}
	case opts.IfNoneMatch:
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		}
	}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, bytes.NewReader(data), uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("azure: upload %s: %w", blobName, err)
	}
	if resp.ETag == nil {
		return "", fmt.Errorf("azure: upload %s: missing etag", blobName)
	}
	return string(*resp.ETag), nil
}

// Get downloads the payload and current ETag for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	blobName := s.prefixed(key)
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", fmt.Errorf("azure: download %s: %w", blobName, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("azure: read %s: %w", blobName, err)
	}
	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return payload, etag, nil
}

// Delete removes key, honoring IfMatch via a native conditional delete.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) error {
	blobName := s.prefixed(key)
	var deleteOpts *azblob.DeleteBlobOptions
	if opts.IfMatch != "" {
		deleteOpts = &azblob.DeleteBlobOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{
					IfMatch: to.Ptr(azcore.ETag(opts.IfMatch)),
				},
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, deleteOpts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("azure: delete %s: %w", blobName, err)
	}
	return nil
}

// List enumerates blobs under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	full := s.prefixed(prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	var infos []storage.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list %s: %w", full, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := storage.ObjectInfo{Key: s.unprefixed(*item.Name)}
			if item.Properties != nil {
				if item.Properties.ETag != nil {
					info.ETag = string(*item.Properties.ETag)
				}
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.Modified = *item.Properties.LastModified
				}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Close satisfies storage.Backend by releasing resources held by Store
// (no-op for Azure).
func (s *Store) Close() error { return nil }

func (s *Store) prefixed(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (s *Store) unprefixed(blobName string) string {
	if s.prefix == "" {
		return blobName
	}
	return strings.TrimPrefix(blobName, s.prefix+"/")
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
