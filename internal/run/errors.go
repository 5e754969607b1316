package run

import "fmt"

// ErrorKind classifies terminal run errors so callers can distinguish "the
// remote said it failed" from "we stopped waiting" from "rows were lost".
type ErrorKind string

const (
	KindSubmissionRetryable ErrorKind = "submission_retryable"
	KindSubmissionFatal     ErrorKind = "submission_fatal"
	KindRemoteFailed        ErrorKind = "remote_failed"
	KindResultRetrieval     ErrorKind = "result_retrieval_failed"
	KindTimeout             ErrorKind = "timeout"
	KindCanceled            ErrorKind = "canceled"
)

// Error is the terminal error attached to a run record. Message carries the
// remote's detail verbatim when one exists.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Stage names the sub-phase that produced the error, e.g. a timeout in
	// the rowset-ready wait reports "awaiting_rowset" rather than a generic
	// timeout.
	Stage string `json:"stage,omitempty"`
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func NewStageError(kind ErrorKind, stage, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Stage: stage}
}
