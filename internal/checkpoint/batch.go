package checkpoint

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/receipt"
)

// BatchItemResult is one item's outcome. Exactly one of LeaseReceipt and
// Err is meaningful; CommandID is echoed whenever the receipt decoded.
type BatchItemResult struct {
	CommandID           string
	LeaseReceipt        string
	DeferredDeleteDelay time.Duration
	Err                 *Error
}

// CheckpointBatch runs each item independently through the state machine.
// One item's validation failure never blocks a sibling; the whole batch is
// rejected only for oversize (413) before any item is touched. Items that
// share a deferred side effect get a single randomized spread delay drawn
// from the batch's remaining leases.
func (e *Engine) CheckpointBatch(ctx context.Context, items []Args) ([]BatchItemResult, *Error) {
	if len(items) > e.cfg.MaxBatchSize {
		return nil, newErrorStatus(CodeBatchSizeExceedsMaxAllowed, http.StatusRequestEntityTooLarge,
			"batch exceeds the maximum item count")
	}

	spread := e.batchSpreadDelay(items)
	results := make([]BatchItemResult, len(items))
	for i, args := range items {
		results[i].CommandID = commandIDOf(args.LeaseReceipt)
		if err := ctx.Err(); err != nil {
			// Cancellation stops further mutations; committed items stand.
			results[i].Err = &Error{Code: "InternalError", Status: http.StatusInternalServerError, Detail: "request cancelled"}
			continue
		}
		res, err := e.checkpointOne(ctx, args, spread)
		if err != nil {
			results[i].Err = asProtocolError(err)
			continue
		}
		results[i].LeaseReceipt = res.LeaseReceipt
		results[i].DeferredDeleteDelay = res.DeferredDeleteDelay
	}
	return results, nil
}

// batchSpreadDelay draws the shared visibility spread from the smallest
// remaining lease across the batch's decodable receipts.
func (e *Engine) batchSpreadDelay(items []Args) time.Duration {
	now := e.clock.Now()
	var remaining []time.Duration
	for _, args := range items {
		rcpt, err := receipt.Decode(args.LeaseReceipt)
		if err != nil || rcpt.Expires.IsZero() {
			continue
		}
		remaining = append(remaining, rcpt.Expires.Sub(now))
	}
	max := MaxRandomVisibilityDelay(remaining)
	if max <= 0 {
		return -1
	}
	return e.jitter.uniform(max)
}

func commandIDOf(token string) string {
	rcpt, err := receipt.Decode(token)
	if err != nil || rcpt.CommandID == (pcq.CommandID{}) {
		return ""
	}
	return rcpt.CommandID.String()
}

// asProtocolError normalizes engine failures for the per-item envelope.
func asProtocolError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: "InternalError", Status: http.StatusInternalServerError, Detail: err.Error()}
}
