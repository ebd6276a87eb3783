// Package pcq holds the privacy-command domain model shared by the queues,
// the lease receipt codec and the checkpoint engine.
package pcq

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxAgentStateLength bounds the agent-defined opaque state blob, in
// characters.
const MaxAgentStateLength = 1024

// CommandID identifies one privacy command.
type CommandID = uuid.UUID

// AgentID identifies a downstream agent.
type AgentID = uuid.UUID

// AssetGroupID identifies one asset group owned by an agent.
type AssetGroupID = uuid.UUID

// ParseCommandID validates and parses a command id.
func ParseCommandID(s string) (CommandID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("pcq: invalid command id %q: %w", s, err)
	}
	return id, nil
}

// CommandType enumerates the kinds of privacy commands the broker delivers.
type CommandType int

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDelete
	CommandTypeExport
	CommandTypeAccountClose
	CommandTypeAgeOut
)

// String returns the wire name for the command type.
func (t CommandType) String() string {
	switch t {
	case CommandTypeDelete:
		return "Delete"
	case CommandTypeExport:
		return "Export"
	case CommandTypeAccountClose:
		return "AccountClose"
	case CommandTypeAgeOut:
		return "AgeOut"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the command type as its wire name.
func (t CommandType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a wire name into t.
func (t *CommandType) UnmarshalText(b []byte) error {
	parsed, ok := ParseCommandType(string(b))
	if !ok {
		return fmt.Errorf("pcq: unknown command type %q", b)
	}
	*t = parsed
	return nil
}

// ParseCommandType maps a wire name to a CommandType.
func ParseCommandType(s string) (CommandType, bool) {
	switch s {
	case "Delete":
		return CommandTypeDelete, true
	case "Export":
		return CommandTypeExport, true
	case "AccountClose":
		return CommandTypeAccountClose, true
	case "AgeOut":
		return CommandTypeAgeOut, true
	default:
		return CommandTypeUnknown, false
	}
}

// SubjectType enumerates the identity kinds a command can target.
type SubjectType int

const (
	SubjectTypeUnknown SubjectType = iota
	SubjectTypeAAD
	SubjectTypeMSA
	SubjectTypeDevice
	SubjectTypeDemographic
	SubjectTypeAlternate
)

// String returns the wire name for the subject type.
func (s SubjectType) String() string {
	switch s {
	case SubjectTypeAAD:
		return "AAD"
	case SubjectTypeMSA:
		return "MSA"
	case SubjectTypeDevice:
		return "Device"
	case SubjectTypeDemographic:
		return "Demographic"
	case SubjectTypeAlternate:
		return "Alternate"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the subject type as its wire name.
func (s SubjectType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a wire name into s.
func (s *SubjectType) UnmarshalText(b []byte) error {
	parsed, ok := ParseSubjectType(string(b))
	if !ok {
		return fmt.Errorf("pcq: unknown subject type %q", b)
	}
	*s = parsed
	return nil
}

// ParseSubjectType maps a wire name to a SubjectType.
func ParseSubjectType(s string) (SubjectType, bool) {
	switch s {
	case "AAD":
		return SubjectTypeAAD, true
	case "MSA":
		return SubjectTypeMSA, true
	case "Device":
		return SubjectTypeDevice, true
	case "Demographic":
		return SubjectTypeDemographic, true
	case "Alternate":
		return SubjectTypeAlternate, true
	default:
		return SubjectTypeUnknown, false
	}
}

// Status is the agent-reported checkpoint status. The set is closed; any
// other wire value is rejected by ParseStatus.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusComplete
	StatusDeidentify
	StatusFailed
	StatusSoftDelete
	StatusVerificationFailed
	StatusUnexpectedCommand
	StatusUnexpectedVerificationFailure
)

// String returns the wire name for the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusComplete:
		return "Complete"
	case StatusDeidentify:
		return "Deidentify"
	case StatusFailed:
		return "Failed"
	case StatusSoftDelete:
		return "SoftDelete"
	case StatusVerificationFailed:
		return "VerificationFailed"
	case StatusUnexpectedCommand:
		return "UnexpectedCommand"
	case StatusUnexpectedVerificationFailure:
		return "UnexpectedVerificationFailure"
	default:
		return "Unknown"
	}
}

// ParseStatus maps a wire value to a Status. Unknown values return ok=false;
// the caller owns the UnknownPrivacyCommandStatus rejection.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "Pending":
		return StatusPending, true
	case "Complete":
		return StatusComplete, true
	case "Deidentify":
		return StatusDeidentify, true
	case "Failed":
		return StatusFailed, true
	case "SoftDelete":
		return StatusSoftDelete, true
	case "VerificationFailed":
		return StatusVerificationFailed, true
	case "UnexpectedCommand":
		return StatusUnexpectedCommand, true
	case "UnexpectedVerificationFailure":
		return StatusUnexpectedVerificationFailure, true
	default:
		return StatusUnknown, false
	}
}

// QueueStorageKind discriminates which queue class holds a command.
type QueueStorageKind int

const (
	// QueueStorageDoc is the document store class: point lookup, query by
	// lease and conditional replace are all available.
	QueueStorageDoc QueueStorageKind = iota + 1
	// QueueStorageStream is the pop-receipt stream class used for AgeOut
	// commands. It cannot point-look-up an entry by command id.
	QueueStorageStream
)

// String returns the wire moniker for the storage kind.
func (k QueueStorageKind) String() string {
	switch k {
	case QueueStorageDoc:
		return "doc"
	case QueueStorageStream:
		return "stream"
	default:
		return "unknown"
	}
}

// MarshalText encodes the storage kind as its wire moniker.
func (k QueueStorageKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a wire moniker into k.
func (k *QueueStorageKind) UnmarshalText(b []byte) error {
	parsed, ok := ParseQueueStorageKind(string(b))
	if !ok {
		return fmt.Errorf("pcq: unknown queue storage kind %q", b)
	}
	*k = parsed
	return nil
}

// ParseQueueStorageKind maps a wire moniker to a QueueStorageKind.
func ParseQueueStorageKind(s string) (QueueStorageKind, bool) {
	switch s {
	case "doc":
		return QueueStorageDoc, true
	case "stream":
		return QueueStorageStream, true
	default:
		return 0, false
	}
}

// Subject is the identity a command targets.
type Subject struct {
	Type SubjectType `json:"type"`
	// Identity is an opaque subject reference (object id, device id, ...).
	Identity string `json:"identity,omitempty"`
}

// Command is the unit of work handed to agents.
type Command struct {
	ID              CommandID        `json:"id"`
	AgentID         AgentID          `json:"agentId"`
	AssetGroupID    AssetGroupID     `json:"assetGroupId"`
	Subject         Subject          `json:"subject"`
	Type            CommandType      `json:"commandType"`
	CreatedAt       time.Time        `json:"createdAt"`
	NextVisibleTime time.Time        `json:"nextVisibleTime"`
	AgentState      string           `json:"agentState,omitempty"`
	ClaimedVariants []string         `json:"claimedVariants,omitempty"`
	QueueStorage    QueueStorageKind `json:"queueStorage"`
}

// Leased reports whether the command is currently invisible to pops at t.
func (c *Command) Leased(t time.Time) bool {
	return c.NextVisibleTime.After(t)
}

// RemainingLease returns the lease time left at t. Expired leases yield a
// non-positive duration.
func (c *Command) RemainingLease(t time.Time) time.Duration {
	return c.NextVisibleTime.Sub(t)
}
