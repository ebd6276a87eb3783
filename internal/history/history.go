// Package history is the durable command audit repository. The checkpoint
// engine consults it for already-completed detection and records terminal
// completions; the status read path serves from it.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/storage"
	"pkt.systems/pcfd/internal/svcfields"
)

// ErrNotFound is returned when no history exists for a command.
var ErrNotFound = errors.New("history: command not found")

// casRetries bounds the optimistic-concurrency retry loop on writes.
const casRetries = 4

// AssetGroupStatus is one asset group's view of a command.
type AssetGroupStatus struct {
	AssetGroupID   pcq.AssetGroupID `json:"assetGroupId"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	ForceCompleted bool             `json:"forceCompleted,omitempty"`
	Deidentified   bool             `json:"deidentified,omitempty"`
}

// Completed reports whether this asset group has finished the command.
func (s *AssetGroupStatus) Completed() bool {
	return s != nil && s.CompletedAt != nil
}

// Record is the per-command audit document.
type Record struct {
	CommandID   pcq.CommandID      `json:"commandId"`
	CommandType pcq.CommandType    `json:"commandType"`
	Subject     pcq.Subject        `json:"subject"`
	CreatedAt   time.Time          `json:"createdAt"`
	AssetGroups []AssetGroupStatus `json:"assetGroups,omitempty"`
}

// StatusFor returns the asset group's status entry, if present.
func (r *Record) StatusFor(assetGroupID pcq.AssetGroupID) *AssetGroupStatus {
	for i := range r.AssetGroups {
		if r.AssetGroups[i].AssetGroupID == assetGroupID {
			return &r.AssetGroups[i]
		}
	}
	return nil
}

// Repository stores Records on a storage.Backend.
type Repository struct {
	backend storage.Backend
	clock   clock.Clock
	logger  pslog.Logger
}

// New builds a Repository.
func New(backend storage.Backend, clk clock.Clock, logger pslog.Logger) (*Repository, error) {
	if backend == nil {
		return nil, fmt.Errorf("history: backend is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Repository{
		backend: backend,
		clock:   clk,
		logger:  svcfields.WithSubsystem(logger, "history"),
	}, nil
}

func key(commandID pcq.CommandID) string {
	return "history/" + commandID.String() + ".json"
}

// Get loads the record for commandID.
func (r *Repository) Get(ctx context.Context, commandID pcq.CommandID) (*Record, error) {
	payload, _, err := r.backend.Get(ctx, key(commandID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("history: load %s: %w", commandID, err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", commandID, err)
	}
	return &record, nil
}

// IsCompleted reports whether assetGroupID has already completed commandID.
// Unknown commands report false.
func (r *Repository) IsCompleted(ctx context.Context, commandID pcq.CommandID, assetGroupID pcq.AssetGroupID) (bool, error) {
	record, err := r.Get(ctx, commandID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.StatusFor(assetGroupID).Completed(), nil
}

// Ingest records a command's existence (idempotent; keeps any existing
// asset-group statuses).
func (r *Repository) Ingest(ctx context.Context, cmd *pcq.Command) error {
	return r.update(ctx, cmd.ID, func(record *Record) {
		if record.CreatedAt.IsZero() {
			record.CommandType = cmd.Type
			record.Subject = cmd.Subject
			record.CreatedAt = cmd.CreatedAt
		}
		if record.StatusFor(cmd.AssetGroupID) == nil {
			record.AssetGroups = append(record.AssetGroups, AssetGroupStatus{AssetGroupID: cmd.AssetGroupID})
		}
	})
}

// MarkCompleted records a terminal completion for (commandID, assetGroupID).
func (r *Repository) MarkCompleted(ctx context.Context, cmd *pcq.Command, forceCompleted, deidentified bool) error {
	now := r.clock.Now()
	return r.update(ctx, cmd.ID, func(record *Record) {
		if record.CreatedAt.IsZero() {
			record.CommandType = cmd.Type
			record.Subject = cmd.Subject
			record.CreatedAt = cmd.CreatedAt
		}
		status := record.StatusFor(cmd.AssetGroupID)
		if status == nil {
			record.AssetGroups = append(record.AssetGroups, AssetGroupStatus{AssetGroupID: cmd.AssetGroupID})
			status = &record.AssetGroups[len(record.AssetGroups)-1]
		}
		if status.CompletedAt == nil {
			at := now
			status.CompletedAt = &at
		}
		status.ForceCompleted = status.ForceCompleted || forceCompleted
		status.Deidentified = status.Deidentified || deidentified
	})
}

// update runs a read-modify-write with CAS retries.
func (r *Repository) update(ctx context.Context, commandID pcq.CommandID, mutate func(*Record)) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record := &Record{CommandID: commandID}
		etag := ""
		payload, currentETag, err := r.backend.Get(ctx, key(commandID))
		switch {
		case err == nil:
			if err := json.Unmarshal(payload, record); err != nil {
				return fmt.Errorf("history: decode %s: %w", commandID, err)
			}
			etag = currentETag
		case errors.Is(err, storage.ErrNotFound):
			// First write for this command.
		default:
			return fmt.Errorf("history: load %s: %w", commandID, err)
		}

		mutate(record)

		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("history: encode %s: %w", commandID, err)
		}
		opts := storage.PutOptions{IfNoneMatch: etag == "", IfMatch: etag}
		if _, err := r.backend.Put(ctx, key(commandID), encoded, opts); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				r.logger.Debug("history.update.cas_retry", "command_id", commandID.String(), "attempt", attempt)
				continue
			}
			return fmt.Errorf("history: store %s: %w", commandID, err)
		}
		return nil
	}
	return fmt.Errorf("history: store %s: %w", commandID, storage.ErrCASMismatch)
}
