// Package api defines the wire payloads of the checkpoint protocol. Field
// names are frozen: deployed agent SDKs serialize against them.
package api

import "time"

// CheckpointRequest models the JSON payload for POST /checkpoint and each
// item of POST /checkpoint/batch.
type CheckpointRequest struct {
	// LeaseReceipt is the opaque custody token returned by getcommands or a
	// prior checkpoint.
	LeaseReceipt string `json:"leaseReceipt"`
	// Status is the agent-reported command status (Pending, Complete, ...).
	Status string `json:"status"`
	// AgentState is an opaque blob the agent wants persisted with the
	// command, bounded to 1024 characters.
	AgentState string `json:"agentState,omitempty"`
	// LeaseExtensionSeconds asks for more time before the command becomes
	// visible again. Zero means the default lease.
	LeaseExtensionSeconds int64 `json:"leaseExtensionSeconds,omitempty"`
	// Variants lists the exemption variant ids the agent claims applied.
	Variants []string `json:"variants,omitempty"`
	// NonTransientFailures tags permanent partial failures on completion.
	NonTransientFailures []string `json:"nonTransientFailures,omitempty"`
	// ExportedFileSizeDetails is export-only telemetry.
	ExportedFileSizeDetails []FileSizeDetail `json:"exportedFileSizeDetails,omitempty"`
}

// FileSizeDetail describes one exported file for telemetry.
type FileSizeDetail struct {
	// OriginalSize is the uncompressed size in bytes.
	OriginalSize int64 `json:"originalSize"`
	// CompressedSize is the stored size in bytes when compressed.
	CompressedSize int64 `json:"compressedSize,omitempty"`
	// IsCompressed reports whether the file was stored compressed.
	IsCompressed bool `json:"isCompressed,omitempty"`
}

// CheckpointResponse is returned by POST /checkpoint.
type CheckpointResponse struct {
	// LeaseReceipt is the successor custody token. Empty when the command
	// reached a terminal state and no further checkpoints are expected.
	LeaseReceipt string `json:"leaseReceipt,omitempty"`
}

// BatchCheckpointRequest models the JSON payload for POST /checkpoint/batch.
type BatchCheckpointRequest struct {
	Checkpoints []CheckpointRequest `json:"checkpoints"`
}

// BatchCheckpointResponse carries one result per submitted item, in order.
type BatchCheckpointResponse struct {
	Results []BatchCheckpointResult `json:"results"`
}

// BatchCheckpointResult is one item's outcome. Error is nil on success.
type BatchCheckpointResult struct {
	// CommandID echoes the command id when the item's receipt decoded.
	CommandID string `json:"commandId,omitempty"`
	// LeaseReceipt is the item's successor custody token, when any.
	LeaseReceipt string `json:"leaseReceipt,omitempty"`
	// Error describes why the item failed.
	Error *ErrorResponse `json:"error,omitempty"`
}

// Command is one leased command as handed to an agent.
type Command struct {
	// CommandID identifies the command.
	CommandID string `json:"commandId"`
	// CommandType is Delete, Export, AccountClose or AgeOut.
	CommandType string `json:"commandType"`
	// AssetGroupID identifies the asset group the command targets.
	AssetGroupID string `json:"assetGroupId"`
	// SubjectType classifies the data subject (AAD, MSA, Device, ...).
	SubjectType string `json:"subjectType,omitempty"`
	// SubjectIdentity is the opaque subject reference.
	SubjectIdentity string `json:"subjectIdentity,omitempty"`
	// CreatedAt is when the command entered the system.
	CreatedAt time.Time `json:"createdAt"`
	// NextVisibleTime is the lease expiry granted by this pop.
	NextVisibleTime time.Time `json:"nextVisibleTime"`
	// AgentState is the blob persisted by the agent's last checkpoint.
	AgentState string `json:"agentState,omitempty"`
	// LeaseReceipt is the custody token for checkpointing this command.
	LeaseReceipt string `json:"leaseReceipt"`
}

// GetCommandsResponse groups popped commands by command type.
type GetCommandsResponse struct {
	DeleteCommands       []Command `json:"deleteCommands,omitempty"`
	ExportCommands       []Command `json:"exportCommands,omitempty"`
	AccountCloseCommands []Command `json:"accountCloseCommands,omitempty"`
	AgeOutCommands       []Command `json:"ageOutCommands,omitempty"`
}

// QueryCommandRequest models the JSON payload for POST /command: the
// read-only query-by-lease path.
type QueryCommandRequest struct {
	LeaseReceipt string `json:"leaseReceipt"`
}

// QueryCommandResponse carries the queried command.
type QueryCommandResponse struct {
	Command *Command `json:"command,omitempty"`
}

// AssetGroupCompletionStatus is one asset group's completion record for a
// command.
type AssetGroupCompletionStatus struct {
	AssetGroupID string `json:"assetGroupId"`
	// CompletedAt is nil while the asset group still owes a completion.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// ForceCompleted marks completions issued by the broker on the agent's
	// behalf (test-in-production cohorts).
	ForceCompleted bool `json:"forceCompleted,omitempty"`
	// Deidentified marks delink-style completions.
	Deidentified bool `json:"deidentified,omitempty"`
}

// CommandStatusResponse is returned by GET /commandstatus. An unknown
// command id yields an empty body, not an error.
type CommandStatusResponse struct {
	CommandID   string                       `json:"commandId,omitempty"`
	CommandType string                       `json:"commandType,omitempty"`
	SubjectType string                       `json:"subjectType,omitempty"`
	CreatedAt   *time.Time                   `json:"createdAt,omitempty"`
	AssetGroups []AssetGroupCompletionStatus `json:"assetGroups,omitempty"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	// ErrorCode is the stable machine-readable code (PascalCase, frozen).
	ErrorCode string `json:"errorCode"`
	// Message is a human-readable explanation. Not stable.
	Message string `json:"message,omitempty"`
	// RetryAfterSeconds hints when a throttled caller should retry.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}
