package limiter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cuemby/floodgate/pkg/types"
)

// Violation sides.
const (
	SideSelf   = "self"
	SideParent = "parent"
)

// Violation describes one bucket that could not cover its requested
// amount.
type Violation struct {
	EntityID          string  `json:"entity_id"`
	LimitName         string  `json:"limit_name"`
	Resource          string  `json:"resource"`
	Available         int64   `json:"available"`
	Exceeded          bool    `json:"exceeded"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
	Side              string  `json:"side"`
}

// RateLimitExceededError is the domain's normal rejection: at least one
// bucket in the acquire set lacked capacity, and nothing was written.
type RateLimitExceededError struct {
	Violations []Violation
	// RetryAfterSeconds is the max across violations.
	RetryAfterSeconds float64
}

func (e *RateLimitExceededError) Error() string {
	names := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		names = append(names, v.LimitName)
	}
	return fmt.Sprintf("rate limit exceeded for %s, retry after %.2fs",
		strings.Join(names, ", "), e.RetryAfterSeconds)
}

// RetryAfterHeader renders the HTTP Retry-After value: the ceiling of the
// retry delay as a decimal string.
func (e *RateLimitExceededError) RetryAfterHeader() string {
	return strconv.FormatInt(int64(math.Ceil(e.RetryAfterSeconds)), 10)
}

// AsDict returns the wire shape of the error, ready for JSON encoding.
func (e *RateLimitExceededError) AsDict() map[string]any {
	limits := make([]map[string]any, 0, len(e.Violations))
	for _, v := range e.Violations {
		limits = append(limits, map[string]any{
			"entity_id":           v.EntityID,
			"limit_name":          v.LimitName,
			"resource":            v.Resource,
			"available":           v.Available,
			"exceeded":            true,
			"retry_after_seconds": v.RetryAfterSeconds,
			"side":                v.Side,
		})
	}
	return map[string]any{
		"error":               "rate_limit_exceeded",
		"message":             e.Error(),
		"retry_after_seconds": e.RetryAfterSeconds,
		"retry_after_header":  e.RetryAfterHeader(),
		"limits":              limits,
	}
}

// LimitsUnavailableError means no limits were resolvable at any scope and
// the caller passed none.
type LimitsUnavailableError struct {
	EntityID string
	Resource string
}

func (e *LimitsUnavailableError) Error() string {
	return fmt.Sprintf("no limits available for entity %q on resource %q", e.EntityID, e.Resource)
}

// EntityExistsError is returned by CreateEntity for a taken id.
type EntityExistsError struct {
	EntityID string
}

func (e *EntityExistsError) Error() string {
	return fmt.Sprintf("entity %q already exists", e.EntityID)
}

// EntityNotFoundError is returned when an operation requires an existing
// entity.
type EntityNotFoundError struct {
	EntityID string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %q not found", e.EntityID)
}

// NamespaceNotFoundError is returned by Namespace for an unregistered
// name.
type NamespaceNotFoundError struct {
	Name string
}

func (e *NamespaceNotFoundError) Error() string {
	return fmt.Sprintf("namespace %q not found", e.Name)
}

// ConflictExhaustedError means the acquire lost its optimistic concurrency
// check on every attempt within the retry budget. Transport-class: the
// caller may simply try again.
type ConflictExhaustedError struct {
	Attempts int
}

func (e *ConflictExhaustedError) Error() string {
	return fmt.Sprintf("acquire abandoned after %d conflicting attempts", e.Attempts)
}

// TransportError wraps store failures that outlived the gateway's retry
// budget, distinct from rate limiting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError is re-exported so callers matching on limiter errors do
// not need to import pkg/types.
type ValidationError = types.ValidationError
