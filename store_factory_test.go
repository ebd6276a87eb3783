package pcfd

import (
	"strings"
	"testing"
)

func TestOpenBackendMemory(t *testing.T) {
	for _, store := range []string{"mem://", "memory://"} {
		cfg := Config{Store: store}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("validate %q: %v", store, err)
		}
		backend, err := openBackend(cfg)
		if err != nil {
			t.Fatalf("open %q: %v", store, err)
		}
		if err := backend.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg, err := buildGenericS3Config("s3://minio.local:9000/commands/prod?insecure=1&path-style=1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Endpoint != "minio.local:9000" {
		t.Fatalf("endpoint: %q", cfg.Endpoint)
	}
	if cfg.Bucket != "commands" || cfg.Prefix != "prod" {
		t.Fatalf("bucket/prefix: %q %q", cfg.Bucket, cfg.Prefix)
	}
	if !cfg.Insecure || !cfg.ForcePathStyle {
		t.Fatalf("query flags not honored: %+v", cfg)
	}
}

func TestBuildGenericS3ConfigRequiresBucket(t *testing.T) {
	if _, err := buildGenericS3Config("s3://minio.local:9000"); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if _, err := buildGenericS3Config("s3:///bucket"); err == nil {
		t.Fatal("expected missing host error")
	}
}

func TestBuildAWSConfigRequiresRegion(t *testing.T) {
	cfg, err := buildAWSConfig("aws://commands/prod?region=eu-north-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Bucket != "commands" || cfg.Prefix != "prod" || cfg.Region != "eu-north-1" {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.Endpoint != "s3.eu-north-1.amazonaws.com" {
		t.Fatalf("endpoint: %q", cfg.Endpoint)
	}
	t.Setenv("AWS_REGION", "")
	t.Setenv("PCFD_AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, err := buildAWSConfig("aws://commands"); err == nil || !strings.Contains(err.Error(), "region") {
		t.Fatalf("expected region error, got %v", err)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg, err := buildAzureConfig("azure://acct/container/pfx?endpoint=http://127.0.0.1:10000/acct&sas=sig")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Account != "acct" || cfg.Container != "container" || cfg.Prefix != "pfx" {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.Endpoint != "http://127.0.0.1:10000/acct" || cfg.SASToken != "sig" {
		t.Fatalf("endpoint/sas: %+v", cfg)
	}
}

func TestOpenBackendRejectsUnknownScheme(t *testing.T) {
	_, err := openBackend(Config{Store: "redis://localhost"})
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}
