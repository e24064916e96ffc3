package flow

import "fmt"

// Diagnostic represents a validation error or warning produced by flow or
// app validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "FL-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Validate checks the structural integrity of a single flow:
//   - FL-001: duplicate node IDs
//   - FL-002: connection source/target reference existing nodes
//   - FL-003: node kind must be a known kind
//   - FL-004: exactly one trigger node
//   - FL-005: at most one end-action list populated (mutual exclusivity)
//   - FL-006: call-flow reference must not target the flow itself
//   - FL-008: duplicate (viewId, actionName) action connections
//   - FL-009: action connection target must have exactly one variant set
//   - FL-010: orphan non-trigger nodes (warning)
func (f *Flow) Validate() []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(f.Nodes))
	triggers := 0

	for i, node := range f.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true

		if !node.Kind.Known() {
			diags = append(diags, Diagnostic{
				Code:     "FL-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has unknown kind %q", node.ID, node.Kind),
				Path:     fmt.Sprintf("nodes[%d].kind", i),
			})
		}
		if node.Kind == KindTrigger {
			triggers++
		}
	}

	for i, conn := range f.Connections {
		if !nodeIDs[conn.SourceNodeID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection source %q references unknown node", conn.SourceNodeID),
				Path:     fmt.Sprintf("connections[%d].sourceNodeId", i),
			})
		}
		if !nodeIDs[conn.TargetNodeID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection target %q references unknown node", conn.TargetNodeID),
				Path:     fmt.Sprintf("connections[%d].targetNodeId", i),
			})
		}
	}

	if triggers != 1 {
		diags = append(diags, Diagnostic{
			Code:     "FL-004",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Flow %q must have exactly one trigger node, found %d", f.ID, triggers),
			Path:     "nodes",
		})
	}

	if f.EndAction.populatedCount() > 1 {
		diags = append(diags, Diagnostic{
			Code:     "FL-005",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Flow %q has more than one end-action mode populated; return values, call flows and views are mutually exclusive", f.ID),
			Path:     "endAction",
		})
	}

	for i, ref := range f.EndAction.CallFlows {
		if ref.TargetFlowID == f.ID {
			diags = append(diags, Diagnostic{
				Code:     "FL-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Call flow %q targets its own flow", ref.ID),
				Path:     fmt.Sprintf("endAction.callFlows[%d].targetFlowId", i),
			})
		}
	}

	seenActions := make(map[string]bool, len(f.ActionConnections))
	for i, ac := range f.ActionConnections {
		key := ac.ViewID + "\x00" + ac.ActionName
		if seenActions[key] {
			diags = append(diags, Diagnostic{
				Code:     "FL-008",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate action connection for view %q action %q", ac.ViewID, ac.ActionName),
				Path:     fmt.Sprintf("actionConnections[%d]", i),
			})
		}
		seenActions[key] = true

		set := 0
		if ac.Target.ReturnValue != nil {
			set++
		}
		if ac.Target.CallFlow != nil {
			set++
		}
		if set != 1 {
			diags = append(diags, Diagnostic{
				Code:     "FL-009",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Action connection for view %q action %q must have exactly one target", ac.ViewID, ac.ActionName),
				Path:     fmt.Sprintf("actionConnections[%d].target", i),
			})
		}
	}

	// FL-010: non-trigger nodes with no inbound and no outbound connections.
	if len(f.Nodes) > 1 {
		hasInbound := make(map[string]bool)
		hasOutbound := make(map[string]bool)
		for _, conn := range f.Connections {
			hasOutbound[conn.SourceNodeID] = true
			hasInbound[conn.TargetNodeID] = true
		}
		for i, node := range f.Nodes {
			if node.Kind == KindTrigger {
				continue
			}
			if !hasInbound[node.ID] && !hasOutbound[node.ID] {
				diags = append(diags, Diagnostic{
					Code:     "FL-010",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q has no inbound or outbound connections", node.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	return diags
}

// Validate checks an app: every flow individually, plus app-level rules:
//   - FL-007: call-flow references must target a flow within the app
//   - FL-011: tool names must be unique across the app's active triggers
//   - FL-012: trigger params must decode and carry a tool name
func (a *App) Validate() []Diagnostic {
	var diags []Diagnostic

	flowIDs := make(map[string]bool, len(a.Flows))
	for _, f := range a.Flows {
		flowIDs[f.ID] = true
	}

	toolNames := make(map[string]string) // toolName -> flow ID that claimed it
	for fi := range a.Flows {
		f := &a.Flows[fi]
		diags = append(diags, f.Validate()...)

		for i, ref := range f.EndAction.CallFlows {
			if ref.TargetFlowID != f.ID && !flowIDs[ref.TargetFlowID] {
				diags = append(diags, Diagnostic{
					Code:     "FL-007",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Call flow %q targets flow %q outside this app", ref.ID, ref.TargetFlowID),
					Path:     fmt.Sprintf("flows[%d].endAction.callFlows[%d].targetFlowId", fi, i),
				})
			}
		}

		trigger, ok := f.Trigger()
		if !ok {
			continue
		}
		params, err := DecodeTriggerParams(trigger)
		if err != nil || params.ToolName == "" {
			diags = append(diags, Diagnostic{
				Code:     "FL-012",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Trigger %q in flow %q has no usable tool name", trigger.ID, f.ID),
				Path:     fmt.Sprintf("flows[%d]", fi),
			})
			continue
		}
		if !params.IsActive {
			continue
		}
		if owner, taken := toolNames[params.ToolName]; taken {
			diags = append(diags, Diagnostic{
				Code:     "FL-011",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Tool name %q is declared by both flow %q and flow %q", params.ToolName, owner, f.ID),
				Path:     fmt.Sprintf("flows[%d]", fi),
			})
			continue
		}
		toolNames[params.ToolName] = f.ID
	}

	return diags
}
