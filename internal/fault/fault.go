// Package fault classifies workflow engine errors.
//
// Authoring errors are defects in a workflow definition; they are fatal and
// never retried. Executor errors abort the current run and are recorded on
// the execution. Ingestion errors are infrastructure failures that the queue
// retries with backoff. Soft conditions are not errors at all and are only
// logged.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the error class.
type Kind string

const (
	KindAuthoring Kind = "authoring"
	KindExecutor  Kind = "executor"
	KindIngestion Kind = "ingestion"
)

var (
	// Authoring
	ErrCycleDetected    = errors.New("workflow graph contains a cycle")
	ErrTriggerNotFound  = errors.New("workflow has no trigger node")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowInactive = errors.New("workflow is inactive")
	ErrDanglingEdge     = errors.New("edge references unknown node")

	// Executor
	ErrMissingDestination   = errors.New("no destination could be resolved")
	ErrMissingTenant        = errors.New("tenant id missing from context")
	ErrMissingKnowledgeBase = errors.New("knowledge base id missing")
	ErrAINotConfigured      = errors.New("ai provider is not configured")
	ErrRequestFailed        = errors.New("request failed")

	// Ingestion
	ErrEventInFlight = errors.New("event is already being processed")

	ErrNotFound = errors.New("not found")
)

// Error carries the operation, class and node that produced err.
type Error struct {
	Op     string
	Kind   Kind
	NodeID string
	Err    error
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Authoring wraps err as a fatal workflow-definition error.
func Authoring(op string, err error) error {
	return &Error{Op: op, Kind: KindAuthoring, Err: err}
}

// Executor wraps err as a node failure.
func Executor(op, nodeID string, err error) error {
	return &Error{Op: op, Kind: KindExecutor, NodeID: nodeID, Err: err}
}

// Ingestion wraps err as a retryable delivery failure.
func Ingestion(op string, err error) error {
	return &Error{Op: op, Kind: KindIngestion, Err: err}
}

// KindOf returns the class of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsFatal reports whether err must never be retried.
func IsFatal(err error) bool {
	return KindOf(err) == KindAuthoring
}

// IsRetryable reports whether a queued delivery should be attempted again.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuthoring, KindExecutor:
		return false
	}
	return true
}
