// Package flow defines the data model for fernflow apps: flows, their node
// graphs, connections, and the end-action union that decides how an invocation
// response is shaped. The package is pure data plus indexed lookup; node
// execution semantics live in the catalog and engine packages.
package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NodeKind identifies the type of a node. The set of kinds is closed: the
// catalog dispatches over this enumeration and treats anything else as a
// configuration failure.
type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindAPICall   NodeKind = "api_call"
	KindTransform NodeKind = "transform"
	KindStatCard  NodeKind = "stat_card"
	KindPostList  NodeKind = "post_list"
	KindReturn    NodeKind = "return"
	KindCallFlow  NodeKind = "call_flow"
	KindLink      NodeKind = "link"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// Known reports whether k is one of the closed set of node kinds.
func (k NodeKind) Known() bool {
	switch k {
	case KindTrigger, KindAPICall, KindTransform, KindStatCard,
		KindPostList, KindReturn, KindCallFlow, KindLink:
		return true
	}
	return false
}

// IsWidget reports whether k is a widget marker kind. Widget nodes do not
// execute in the data sense; they terminate a view flow.
func (k NodeKind) IsWidget() bool {
	return k == KindStatCard || k == KindPostList
}

// AllKinds returns every node kind in declaration order.
// Used by the GET /api/node-kinds endpoint.
func AllKinds() []NodeKind {
	return []NodeKind{
		KindTrigger, KindAPICall, KindTransform, KindStatCard,
		KindPostList, KindReturn, KindCallFlow, KindLink,
	}
}

// Standard connection handles. Ordinary nodes expose a single "output" port;
// widget nodes additionally expose one "action:<name>" handle per interactive
// action. Targets are normally wired to "input".
const (
	HandleOutput = "output"
	HandleInput  = "input"

	actionHandlePrefix = "action:"
)

// ActionHandle returns the source handle name for a UI action.
func ActionHandle(action string) string {
	return actionHandlePrefix + action
}

// NodeInstance is one vertex in a flow graph. Params is kind-specific
// structured data, decoded by the catalog (or DecodeTriggerParams for
// trigger nodes).
type NodeInstance struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Connection is a directed edge between two node ports. Resolution is purely
// by matching (SourceNodeID, SourceHandle); a handle may fan out, but the
// engine only ever follows the first match.
type Connection struct {
	SourceNodeID string `json:"sourceNodeId"`
	SourceHandle string `json:"sourceHandle"`
	TargetNodeID string `json:"targetNodeId"`
	TargetHandle string `json:"targetHandle"`
}

// ParamDecl is one declared input parameter on a trigger node.
type ParamDecl struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "boolean", "object", "array"
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// TriggerParams is the parameter shape of a trigger node. ToolName is the
// caller-visible invocation key and must be unique per app across all
// trigger nodes.
type TriggerParams struct {
	ToolName        string      `json:"toolName"`
	ToolDescription string      `json:"toolDescription,omitempty"`
	WhenToUse       string      `json:"whenToUse,omitempty"`
	WhenNotToUse    string      `json:"whenNotToUse,omitempty"`
	IsActive        bool        `json:"isActive"`
	Parameters      []ParamDecl `json:"parameters,omitempty"`
}

// DecodeTriggerParams decodes a trigger node's parameters.
func DecodeTriggerParams(node NodeInstance) (TriggerParams, error) {
	if node.Kind != KindTrigger {
		return TriggerParams{}, fmt.Errorf("node %q is %s, not a trigger", node.ID, node.Kind)
	}
	var p TriggerParams
	if len(node.Params) > 0 {
		if err := json.Unmarshal(node.Params, &p); err != nil {
			return TriggerParams{}, fmt.Errorf("decoding trigger params for node %q: %w", node.ID, err)
		}
	}
	return p, nil
}

// View is a renderable widget with its sample payload. The primary view
// (first by stored order) determines the widget template for the flow.
type View struct {
	ID            string         `json:"id"`
	Layout        NodeKind       `json:"layout"` // stat_card or post_list
	Name          string         `json:"name,omitempty"`
	SampleData    map[string]any `json:"sampleData,omitempty"`
	PrefersBorder bool           `json:"prefersBorder,omitempty"`
}

// ReturnValue is one literal text item emitted by a return-value flow.
type ReturnValue struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CallFlowRef points at another flow in the same app.
type CallFlowRef struct {
	ID           string `json:"id"`
	TargetFlowID string `json:"targetFlowId"`
}

// EndAction holds a flow's terminal behavior. At most one of the three lists
// may be populated; Validate enforces this and Mode resolves which one is
// active. Keeping all three in one struct (rather than scattered on Flow)
// makes the exclusivity invariant a single-field concern.
type EndAction struct {
	ReturnValues []ReturnValue `json:"returnValues,omitempty"`
	CallFlows    []CallFlowRef `json:"callFlows,omitempty"`
	Views        []View        `json:"views,omitempty"`
}

// EndActionMode identifies which terminal behavior a flow uses.
type EndActionMode string

const (
	ModeNone         EndActionMode = ""
	ModeReturnValues EndActionMode = "return_values"
	ModeCallFlows    EndActionMode = "call_flows"
	ModeViews        EndActionMode = "views"
)

// Mode resolves the active end-action mode. Resolution order is fixed:
// return-values, then call-flows, then views. The order only matters for
// records that bypassed validation; valid flows have at most one list.
func (e EndAction) Mode() EndActionMode {
	switch {
	case len(e.ReturnValues) > 0:
		return ModeReturnValues
	case len(e.CallFlows) > 0:
		return ModeCallFlows
	case len(e.Views) > 0:
		return ModeViews
	default:
		return ModeNone
	}
}

// populatedCount returns how many of the three lists are non-empty.
func (e EndAction) populatedCount() int {
	n := 0
	if len(e.ReturnValues) > 0 {
		n++
	}
	if len(e.CallFlows) > 0 {
		n++
	}
	if len(e.Views) > 0 {
		n++
	}
	return n
}

// ActionTarget is what an ActionConnection resolves to: either a literal
// return value or a call-flow reference. Exactly one is set.
type ActionTarget struct {
	ReturnValue *ReturnValue `json:"returnValue,omitempty"`
	CallFlow    *CallFlowRef `json:"callFlow,omitempty"`
}

// ActionConnection binds a UI-exposed action name on a specific view to a
// target. Unique per (ViewID, ActionName).
type ActionConnection struct {
	ViewID     string       `json:"viewId"`
	ActionName string       `json:"actionName"`
	Target     ActionTarget `json:"target"`
}

// Flow owns a node graph plus its end action. Flows are read-only to the
// engine; editing happens through the store API.
type Flow struct {
	ID                string             `json:"id"`
	Name              string             `json:"name,omitempty"`
	Nodes             []NodeInstance     `json:"nodes"`
	Connections       []Connection       `json:"connections,omitempty"`
	EndAction         EndAction          `json:"endAction"`
	ActionConnections []ActionConnection `json:"actionConnections,omitempty"`
}

// Trigger returns the flow's trigger node, or false if it has none.
func (f *Flow) Trigger() (NodeInstance, bool) {
	for _, n := range f.Nodes {
		if n.Kind == KindTrigger {
			return n, true
		}
	}
	return NodeInstance{}, false
}

// App is a collection of flows exposed to an LLM host as one tool-calling app.
type App struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Name  string `json:"name,omitempty"`
	Flows []Flow `json:"flows,omitempty"`
}

// FlowByID returns the app's flow with the given ID.
func (a *App) FlowByID(id string) (*Flow, bool) {
	for i := range a.Flows {
		if a.Flows[i].ID == id {
			return &a.Flows[i], true
		}
	}
	return nil, false
}

// NormalizeSlug lowercases and trims an app slug.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
