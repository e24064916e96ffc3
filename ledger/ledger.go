// Package ledger tracks tool invocations from the moment arguments are
// accepted until a terminal result or error is recorded. Records are
// append-then-resolve: a pending record is created before the flow runs,
// and exactly one terminal transition (fulfilled or error) is allowed.
// Pending records older than the sweep threshold are flipped to error so
// the ledger never reports work as in flight forever.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fern-labs/fernflow/flow"
)

// Sentinel errors for ledger operations.
var (
	ErrExecutionExists    = errors.New("execution already exists")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionFinalized = errors.New("execution already finalized")
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusError     Status = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusError
}

// DefaultTimeout is how long a pending execution may sit before the sweep
// marks it as errored.
const DefaultTimeout = 5 * time.Minute

// TimeoutMessage builds the error recorded on a swept execution. The
// threshold is expressed in whole minutes, matching how it is configured.
func TimeoutMessage(threshold time.Duration) string {
	minutes := int(threshold.Round(time.Minute) / time.Minute)
	if minutes <= 1 {
		return "execution timed out after 1 minute"
	}
	return fmt.Sprintf("execution timed out after %d minutes", minutes)
}

// NodeExecution records one node's run inside an invocation trace.
type NodeExecution struct {
	NodeID    string         `json:"nodeId"`
	NodeName  string         `json:"nodeName,omitempty"`
	NodeKind  flow.NodeKind  `json:"nodeKind"`
	Status    string         `json:"status"` // "success" or "error"
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt"`
}

// ErrorInfo captures why an execution ended in error.
type ErrorInfo struct {
	Class   string `json:"class"` // config, execution, timeout, internal
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
}

// Execution is one ledger record.
type Execution struct {
	ID              string          `json:"id"`
	AppSlug         string          `json:"appSlug"`
	FlowID          string          `json:"flowId,omitempty"`
	ToolName        string          `json:"toolName"`
	Status          Status          `json:"status"`
	InitialParams   map[string]any  `json:"initialParams,omitempty"`
	NodeExecutions  []NodeExecution `json:"nodeExecutions,omitempty"`
	ErrorInfo       *ErrorInfo      `json:"errorInfo,omitempty"`
	IsPreview       bool            `json:"isPreview,omitempty"`
	UserFingerprint string          `json:"userFingerprint,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	AppSlug   string
	FlowID    string
	Status    Status
	IsPreview *bool
	Limit     int
	Offset    int
}

// Page is one listing result. HasPending is computed over the whole store
// (honoring AppSlug/FlowID but not pagination) so callers can tell whether
// anything is still in flight without paging through everything.
type Page struct {
	Executions []Execution `json:"executions"`
	HasPending bool        `json:"hasPending"`
}

// Store persists execution records.
//
// Update applies to pending records only: updating a record that has
// already reached a terminal status returns ErrExecutionFinalized.
// MarkTimedOut flips pending records older than the threshold to error
// and is safe to call repeatedly.
type Store interface {
	Create(ctx context.Context, exec Execution) error
	Update(ctx context.Context, exec Execution) error
	Get(ctx context.Context, id string) (Execution, bool, error)
	List(ctx context.Context, filter Filter) (Page, error)
	MarkTimedOut(ctx context.Context, threshold time.Duration) (int, error)
}
