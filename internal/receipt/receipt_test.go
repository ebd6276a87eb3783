package receipt_test

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/receipt"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	in := &receipt.Receipt{
		Version:          receipt.CurrentVersion,
		DatabaseMoniker:  "doc-westus2",
		CommandID:        uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-000000000001"),
		Token:            "etag-123",
		AssetGroupID:     uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-000000000002"),
		AgentID:          uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-000000000003"),
		SubjectType:      pcq.SubjectTypeMSA,
		Expires:          created.Add(time.Hour),
		CommandType:      pcq.CommandTypeDelete,
		CommandCreatedAt: created,
		QueueStorage:     pcq.QueueStorageDoc,
	}

	token, err := receipt.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := receipt.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CommandID != in.CommandID || out.AgentID != in.AgentID || out.AssetGroupID != in.AssetGroupID {
		t.Fatalf("identity fields mangled: %+v", out)
	}
	if out.Token != in.Token || out.DatabaseMoniker != in.DatabaseMoniker {
		t.Fatalf("storage fields mangled: %+v", out)
	}
	if !out.Expires.Equal(in.Expires) || !out.CommandCreatedAt.Equal(in.CommandCreatedAt) {
		t.Fatalf("time fields mangled: %+v", out)
	}
	if out.SubjectType != pcq.SubjectTypeMSA || out.CommandType != pcq.CommandTypeDelete || out.QueueStorage != pcq.QueueStorageDoc {
		t.Fatalf("enum fields mangled: %+v", out)
	}
	if !out.HasCommandCreatedTime() || !out.HasQueueStorageKind() {
		t.Fatalf("feature floors should hold at current version: %+v", out)
	}
}

func TestDecodeRejectsUniformly(t *testing.T) {
	t.Parallel()

	bad := map[string]string{
		"empty":          "",
		"not base64":     "!!not-base64!!",
		"not gzip":       "aGVsbG8gd29ybGQ",
		"bad command id": envelope(t, `{"v":3,"cid":"not-a-uuid"}`),
		"not json":       envelope(t, `v=3`),
	}
	for name, token := range bad {
		if _, err := receipt.Decode(token); !errors.Is(err, receipt.ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestOldVersionLacksFeatureFloors(t *testing.T) {
	t.Parallel()

	in := &receipt.Receipt{
		Version:   1,
		CommandID: uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-000000000001"),
		Token:     "pop-1",
	}
	token, err := receipt.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := receipt.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.HasCommandCreatedTime() || out.HasQueueStorageKind() {
		t.Fatalf("version 1 receipt must not claim newer fields: %+v", out)
	}
}

// envelope wraps a raw payload in the gzip+base64url transport so tests can
// exercise the inner parsing paths.
func envelope(t *testing.T, payload string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}
