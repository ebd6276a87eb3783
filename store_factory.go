package pcfd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pcfd/internal/storage"
	azurestore "pkt.systems/pcfd/internal/storage/azure"
	"pkt.systems/pcfd/internal/storage/memory"
	"pkt.systems/pcfd/internal/storage/s3"
)

func openBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "s3":
		s3cfg, err := buildGenericS3Config(cfg.Store)
		if err != nil {
			return nil, err
		}
		return s3.New(s3cfg)
	case "aws":
		awscfg, err := buildAWSConfig(cfg.Store)
		if err != nil {
			return nil, err
		}
		return s3.New(awscfg)
	case "azure":
		azureCfg, err := buildAzureConfig(cfg.Store)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// buildGenericS3Config parses s3:// URLs targeting S3-compatible services
// (MinIO, etc.): s3://host[:port]/bucket[/prefix]?insecure=1&path-style=1.
func buildGenericS3Config(store string) (s3.Config, error) {
	u, err := url.Parse(store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, err := splitBucketPrefix(u.Path)
	if err != nil {
		return s3.Config{}, fmt.Errorf("s3 store: %w", err)
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	for _, key := range []string{"tls", "secure"} {
		if v := query.Get(key); v != "" {
			if ok, err := strconv.ParseBool(v); err == nil {
				secure = ok
			}
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return s3.Config{
		Endpoint:       endpoint,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    resolveS3Credentials(),
	}, nil
}

// buildAWSConfig parses aws:// URLs targeting AWS S3:
// aws://bucket[/prefix]?region=us-west-2.
func buildAWSConfig(store string) (s3.Config, error) {
	u, err := url.Parse(store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = firstEnv("PCFD_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return s3.Config{}, fmt.Errorf("aws store requires region (?region=.. or AWS_REGION)")
	}
	endpoint := strings.TrimSpace(query.Get("endpoint"))
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}
	return s3.Config{
		Endpoint: endpoint,
		Region:   region,
		Bucket:   bucket,
		Prefix:   prefix,
	}, nil
}

// buildAzureConfig parses azure:// URLs:
// azure://account/container[/prefix]?endpoint=..&sas=...
func buildAzureConfig(store string) (azurestore.Config, error) {
	u, err := url.Parse(store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing account (expected azure://account/container[/prefix])")
	}
	container, prefix, err := splitBucketPrefix(u.Path)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("azure store: %w", err)
	}
	query := u.Query()
	accountKey := firstEnv("PCFD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("PCFD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func splitBucketPrefix(path string) (string, string, error) {
	cleaned := strings.Trim(strings.TrimPrefix(path, "/"), "/")
	if cleaned == "" {
		return "", "", fmt.Errorf("missing bucket/container in path")
	}
	parts := strings.SplitN(cleaned, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket/container name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}

func resolveS3Credentials() *minioCredentials.Credentials {
	accessKey := strings.TrimSpace(firstEnv("PCFD_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"))
	secretKey := firstEnv("PCFD_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		// Fall through to the client's default chain (env, IAM, anonymous).
		return nil
	}
	sessionToken := firstEnv("PCFD_S3_SESSION_TOKEN", "AWS_SESSION_TOKEN")
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken)
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
