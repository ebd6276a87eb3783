// Package receipt implements the lease receipt codec. A receipt is the
// opaque token proving current custody of a leased command: JSON with short
// field tags, gzip compressed, base64url encoded. The wire layout is frozen;
// agents hold receipts across broker deployments.
package receipt

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pcfd/internal/pcq"
)

// CurrentVersion is stamped on every receipt issued by this broker.
const CurrentVersion = 3

// Minimum receipt versions at which a field is guaranteed present. Receipts
// below a floor are re-resolved against the live queue entry instead of
// trusting the receipt's copy.
const (
	MinVersionCommandCreatedTime = 2
	MinVersionQueueStorageKind   = 3
)

// ErrMalformed is returned for every undecodable receipt: empty input,
// broken envelope, broken JSON, or an embedded command id that does not
// parse. Callers must not be able to tell these apart.
var ErrMalformed = errors.New("receipt: malformed lease receipt")

// Receipt is the decoded lease receipt.
type Receipt struct {
	Version          int
	DatabaseMoniker  string
	CommandID        pcq.CommandID
	Token            string
	AssetGroupID     pcq.AssetGroupID
	AgentID          pcq.AgentID
	SubjectType      pcq.SubjectType
	Expires          time.Time
	CommandType      pcq.CommandType
	CommandCreatedAt time.Time
	AssetGroupQual   string
	QueueStorage     pcq.QueueStorageKind
}

// HasCommandCreatedTime reports whether the receipt's version guarantees a
// trustworthy command creation time.
func (r *Receipt) HasCommandCreatedTime() bool {
	return r.Version >= MinVersionCommandCreatedTime && !r.CommandCreatedAt.IsZero()
}

// HasQueueStorageKind reports whether the receipt's version carries the
// queue storage discriminator.
func (r *Receipt) HasQueueStorageKind() bool {
	return r.Version >= MinVersionQueueStorageKind && r.QueueStorage != 0
}

// wireReceipt is the frozen JSON layout. Times travel as unix seconds.
type wireReceipt struct {
	Version          int    `json:"v"`
	DatabaseMoniker  string `json:"dm,omitempty"`
	CommandID        string `json:"cid"`
	Token            string `json:"tk,omitempty"`
	AssetGroupID     string `json:"gid,omitempty"`
	AgentID          string `json:"aid,omitempty"`
	SubjectType      string `json:"st,omitempty"`
	Expires          int64  `json:"et,omitempty"`
	CommandType      string `json:"ct,omitempty"`
	CommandCreated   int64  `json:"cts,omitempty"`
	AssetGroupQual   string `json:"agq,omitempty"`
	QueueStorageType string `json:"qst,omitempty"`
}

// Encode serializes the receipt into its opaque wire token.
func Encode(r *Receipt) (string, error) {
	if r == nil {
		return "", fmt.Errorf("receipt: nil receipt")
	}
	wire := wireReceipt{
		Version:         r.Version,
		DatabaseMoniker: r.DatabaseMoniker,
		CommandID:       r.CommandID.String(),
		Token:           r.Token,
		AssetGroupQual:  r.AssetGroupQual,
	}
	if wire.Version == 0 {
		wire.Version = CurrentVersion
	}
	if r.AssetGroupID != uuid.Nil {
		wire.AssetGroupID = r.AssetGroupID.String()
	}
	if r.AgentID != uuid.Nil {
		wire.AgentID = r.AgentID.String()
	}
	if r.SubjectType != pcq.SubjectTypeUnknown {
		wire.SubjectType = r.SubjectType.String()
	}
	if !r.Expires.IsZero() {
		wire.Expires = r.Expires.Unix()
	}
	if r.CommandType != pcq.CommandTypeUnknown {
		wire.CommandType = r.CommandType.String()
	}
	if !r.CommandCreatedAt.IsZero() {
		wire.CommandCreated = r.CommandCreatedAt.Unix()
	}
	if r.QueueStorage != 0 {
		wire.QueueStorageType = r.QueueStorage.String()
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("receipt: marshal: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", fmt.Errorf("receipt: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("receipt: compress: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode parses an opaque wire token back into a Receipt. Every decode
// failure is ErrMalformed.
func Decode(token string) (*Receipt, error) {
	if token == "" {
		return nil, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Older SDKs pad their base64.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, ErrMalformed
		}
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrMalformed
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, ErrMalformed
	}
	if err := zr.Close(); err != nil {
		return nil, ErrMalformed
	}
	var wire wireReceipt
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, ErrMalformed
	}
	commandID, err := pcq.ParseCommandID(wire.CommandID)
	if err != nil {
		return nil, ErrMalformed
	}

	r := &Receipt{
		Version:         wire.Version,
		DatabaseMoniker: wire.DatabaseMoniker,
		CommandID:       commandID,
		Token:           wire.Token,
		AssetGroupQual:  wire.AssetGroupQual,
	}
	if wire.AssetGroupID != "" {
		id, err := uuid.Parse(wire.AssetGroupID)
		if err != nil {
			return nil, ErrMalformed
		}
		r.AssetGroupID = id
	}
	if wire.AgentID != "" {
		id, err := uuid.Parse(wire.AgentID)
		if err != nil {
			return nil, ErrMalformed
		}
		r.AgentID = id
	}
	if wire.SubjectType != "" {
		st, ok := pcq.ParseSubjectType(wire.SubjectType)
		if !ok {
			return nil, ErrMalformed
		}
		r.SubjectType = st
	}
	if wire.Expires != 0 {
		r.Expires = time.Unix(wire.Expires, 0).UTC()
	}
	if wire.CommandType != "" {
		ct, ok := pcq.ParseCommandType(wire.CommandType)
		if !ok {
			return nil, ErrMalformed
		}
		r.CommandType = ct
	}
	if wire.CommandCreated != 0 {
		r.CommandCreatedAt = time.Unix(wire.CommandCreated, 0).UTC()
	}
	if wire.QueueStorageType != "" {
		kind, ok := pcq.ParseQueueStorageKind(wire.QueueStorageType)
		if !ok {
			return nil, ErrMalformed
		}
		r.QueueStorage = kind
	}
	return r, nil
}
