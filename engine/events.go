// Package engine resolves tool invocations against an app's flows: trigger
// lookup, argument validation, single-path traversal, terminal-response
// shaping, and ledger bookkeeping.
package engine

import (
	"time"

	"github.com/fern-labs/fernflow/flow"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventInvocationStarted is emitted once arguments have been accepted
	// and a pending ledger record exists.
	EventInvocationStarted EventKind = "invocation.started"

	// EventNodeExecuted is emitted after each node runs, success or not.
	EventNodeExecuted EventKind = "node.executed"

	// EventInvocationFinished is emitted when the invocation reaches a
	// terminal ledger status.
	EventInvocationFinished EventKind = "invocation.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during an invocation.
// Events should be kept small; full traces live in the ledger.
type Event struct {
	Kind        EventKind
	ExecutionID string
	AppSlug     string
	ToolName    string
	NodeID      string
	NodeKind    flow.NodeKind
	Time        time.Time
	Elapsed     time.Duration
	Payload     map[string]any
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, executionID string) Event {
	return Event{
		Kind:        kind,
		ExecutionID: executionID,
		Time:        time.Now(),
		Payload:     make(map[string]any),
	}
}

// WithTool sets app and tool identity on the event.
func (e Event) WithTool(appSlug, toolName string) Event {
	e.AppSlug = appSlug
	e.ToolName = toolName
	return e
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeKind flow.NodeKind) Event {
	e.NodeID = nodeID
	e.NodeKind = nodeKind
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
