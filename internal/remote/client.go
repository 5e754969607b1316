// Package remote wraps the data-extension platform's asynchronous execution
// API. The platform only enqueues work server-side; completion is discovered
// by polling, and its status signals are not atomic: a reported completion can
// flicker back to running, and rows may lag behind the "ready" flag.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// StatusState is the raw run state as reported by the platform. A single
// reading is not trustworthy; callers debounce it.
type StatusState string

const (
	StatusRunning    StatusState = "running"
	StatusNotRunning StatusState = "not_running"
)

// RawStatus is one status observation. Failed is meaningful only when State
// is StatusNotRunning; ErrorDetail carries the platform's own diagnostic.
type RawStatus struct {
	State       StatusState
	Failed      bool
	ErrorDetail string
}

// Submission is the platform's acknowledgement of an enqueued query.
type Submission struct {
	// TargetHandle identifies the remote object that will hold result rows.
	TargetHandle string
	// JobHandle identifies the server-side execution job for status polling.
	JobHandle string
}

// RowProbe reports whether the target result object is queryable yet.
type RowProbe struct {
	Ready        bool
	RowCountHint int64
}

// RowPage is one page of result rows. NextPageToken is empty on the last page.
type RowPage struct {
	Rows          []json.RawMessage
	NextPageToken string
}

// Client is the remote execution surface. All calls are stateless and safe
// for concurrent use across unrelated runs. Every call may fail with
// RateLimitedError, TransientError or FatalError.
type Client interface {
	Submit(ctx context.Context, query string) (*Submission, error)
	GetStatus(ctx context.Context, jobHandle string) (*RawStatus, error)
	ProbeRows(ctx context.Context, targetHandle string) (*RowProbe, error)
	FetchRows(ctx context.Context, targetHandle, pageToken string) (*RowPage, error)
}

// RateLimitedError means the platform rejected the call for throughput
// reasons; the call is safe to retry after a delay.
type RateLimitedError struct {
	Detail string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("remote rate limited: %s", e.Detail)
}

// TransientError is a network-level or 5xx failure that carries no verdict
// about the submitted query.
type TransientError struct {
	Detail string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote transient failure: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("remote transient failure: %s", e.Detail)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError means the request itself is invalid (bad query, authorization)
// and retrying the identical call cannot succeed.
type FatalError struct {
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("remote fatal failure: %s", e.Detail)
}

// Retryable reports whether err is a failure worth retrying: rate limits and
// transient network errors qualify, fatal rejections do not.
func Retryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}
