package store

import (
	"context"
	"errors"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrConflict means a condition expression failed because a concurrent
	// writer got there first. The acquire engine owns the retry policy for
	// these; the gateway never retries them.
	ErrConflict = errors.New("store: optimistic concurrency conflict")

	// ErrItemExists means a create-if-absent write found the item present.
	ErrItemExists = errors.New("store: item already exists")
)

// conflictReason codes inside a cancelled transaction that mean another
// writer touched our items, as opposed to throttling.
func isConflictReason(code string) bool {
	return code == "ConditionalCheckFailed" || code == "TransactionConflict"
}

// classifyTransactErr maps a TransactWriteItems failure to ErrConflict when
// any cancellation reason is a concurrency conflict, leaving transient
// failures (throttling inside the transaction) to the retry loop.
func classifyTransactErr(err error) error {
	var canceled *ddbtypes.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return err
	}
	for _, reason := range canceled.CancellationReasons {
		if reason.Code != nil && isConflictReason(*reason.Code) {
			return ErrConflict
		}
	}
	return err
}

// isConditionalCheckFailed matches a plain (non-transactional) conditional
// put losing its condition.
func isConditionalCheckFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// isTransient reports whether the error is worth retrying with backoff:
// throttling, capacity pressure and server-side 5xx.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrItemExists) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var throughput *ddbtypes.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}
	var limit *ddbtypes.LimitExceededException
	if errors.As(err, &limit) {
		return true
	}
	var requestLimit *ddbtypes.RequestLimitExceeded
	if errors.As(err, &requestLimit) {
		return true
	}
	var internal *ddbtypes.InternalServerError
	if errors.As(err, &internal) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "Throttling", "InternalServerError",
			"ServiceUnavailable", "RequestLimitExceeded",
			"ProvisionedThroughputExceededException":
			return true
		}
		return false
	}

	// Unwrappable transport errors (connection reset, EOF) come back as
	// plain operation errors; retry them.
	return true
}
