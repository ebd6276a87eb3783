package checkpoint

import (
	"fmt"
	"net/http"
)

// Code is a wire-stable machine-readable error code. Values are frozen;
// client SDKs switch on them.
type Code string

const (
	CodeInvalidLeaseExtension             Code = "InvalidLeaseExtension"
	CodeLeaseReceiptAgentIdMismatch       Code = "LeaseReceiptAgentIdMismatch"
	CodeCommandNotFound                   Code = "CommandNotFound"
	CodeCommandAlreadyCompleted           Code = "CommandAlreadyCompleted"
	CodeInvalidVariantsSpecified          Code = "InvalidVariantsSpecified"
	CodeLeaseReceiptConflict              Code = "LeaseReceiptConflict"
	CodeMalformedLeaseReceipt             Code = "MalformedLeaseReceipt"
	CodeUnknownPrivacyCommandStatus       Code = "UnknownPrivacyCommandStatus"
	CodeAgentStateExceedsMaxSizeAllowed   Code = "AgentStateExceedsMaxSizeAllowed"
	CodeLeaseReceiptAssetGroupIdMismatch  Code = "LeaseReceiptAssetGroupIdMismatch"
	CodeLeaseReceiptNotSupported          Code = "LeaseReceiptNotSupported"
	CodeCommandAlreadyExpired             Code = "CommandAlreadyExpired"
	CodeBatchSizeExceedsMaxAllowed        Code = "BatchSizeExceedsMaxAllowed"
	CodeTooManyRequests                   Code = "TooManyRequests"
	CodeQueryCommandNotSupportedByBackend Code = "QueryCommandNotSupportedByBackend"
)

// Error is a protocol error carrying its wire code and HTTP status.
type Error struct {
	Code   Code
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// newError builds a 400 protocol error.
func newError(code Code, detail string) *Error {
	return &Error{Code: code, Status: http.StatusBadRequest, Detail: detail}
}

func newErrorStatus(code Code, status int, detail string) *Error {
	return &Error{Code: code, Status: status, Detail: detail}
}
