package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/ledger"
)

// NoActionText is returned when a widget action has no configured target.
// An unwired action is a no-op, not an error: the host keeps the widget up.
func NoActionText(action string) string {
	return fmt.Sprintf("No action %q is configured for this view.", action)
}

// InvokeAction handles a UI callback from a rendered widget: the host
// reports which view (or widget node) fired which named action, along with
// the widget's current payload.
//
// Resolution order: an action connection on the view first, then a graph
// connection from the widget node's "action:<name>" handle. Neither
// existing is informational text, not an error. The call is ledgered like
// an invocation, with the originating widget as the first trace entry.
func (e *Engine) InvokeAction(ctx context.Context, app *flow.App, toolName, nodeID, action string, data map[string]any) (Result, error) {
	idx, _, ok := flow.ResolveTool(app, toolName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrToolNotFound, toolName)
	}

	node, nodeOK := idx.NodeByID(nodeID)
	_, viewOK := idx.ViewByID(nodeID)
	if !nodeOK && !viewOK {
		return Result{}, fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}

	f := idx.Flow()
	exec := ledger.Execution{
		ID:            e.newID(),
		AppSlug:       app.Slug,
		FlowID:        f.ID,
		ToolName:      toolName,
		Status:        ledger.StatusPending,
		InitialParams: map[string]any{"action": action, "nodeId": nodeID, "data": data},
		StartedAt:     time.Now().UTC(),
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return Result{}, fmt.Errorf("creating execution record: %w", err)
	}

	e.emit(NewEvent(EventInvocationStarted, exec.ID).
		WithTool(app.Slug, toolName).
		WithPayload("action", action))
	e.logger.Info("action invocation started",
		"executionId", exec.ID, "app", app.Slug, "tool", toolName, "node", nodeID, "action", action)

	run := &invocation{engine: e, app: app, idx: idx, exec: exec}
	result := run.resolveAction(ctx, node, nodeOK, nodeID, action, data)
	run.finalize(ctx)

	e.emit(NewEvent(EventInvocationFinished, exec.ID).
		WithTool(app.Slug, toolName).
		WithElapsed(time.Since(exec.StartedAt)).
		WithPayload("status", string(run.exec.Status)))

	return result, nil
}

func (inv *invocation) resolveAction(ctx context.Context, origin flow.NodeInstance, originIsNode bool, nodeID, action string, data map[string]any) Result {
	if originIsNode {
		inv.recordSuccess(origin, data, data)
	}

	f := inv.idx.Flow()
	result := Result{
		ExecutionID: inv.exec.ID,
		AppSlug:     inv.app.Slug,
		FlowID:      f.ID,
		ToolName:    inv.exec.ToolName,
	}

	// View-level action connections take precedence over graph wiring.
	if ac, ok := inv.idx.ActionConnection(nodeID, action); ok {
		switch {
		case ac.Target.ReturnValue != nil:
			result.Mode = flow.ModeReturnValues
			result.Texts = []string{ac.Target.ReturnValue.Text}
		case ac.Target.CallFlow != nil:
			result.Mode = flow.ModeCallFlows
			result.CallFlow = inv.resolveCallFlow(*ac.Target.CallFlow)
			if !result.CallFlow.Found {
				result.Texts = []string{fmt.Sprintf("Error: flow %q not found", ac.Target.CallFlow.TargetFlowID)}
			}
		}
		return result
	}

	conn, ok := inv.idx.FirstConnectionFrom(nodeID, flow.ActionHandle(action))
	if !ok {
		result.Texts = []string{NoActionText(action)}
		return result
	}
	target, ok := inv.idx.NodeByID(conn.TargetNodeID)
	if !ok {
		result.Texts = []string{NoActionText(action)}
		return result
	}

	outcome := inv.executeNode(ctx, target, data)
	if !outcome.OK() {
		result.Texts = []string{"Error: " + outcome.Failure.Message}
		return result
	}

	switch target.Kind {
	case flow.KindReturn:
		result.Mode = flow.ModeReturnValues
		result.Texts = []string{stringOutput(outcome.Output, "text")}
	case flow.KindLink:
		result.Mode = flow.ModeReturnValues
		result.Texts = []string{stringOutput(outcome.Output, "url")}
	case flow.KindCallFlow:
		result.Mode = flow.ModeCallFlows
		ref := flow.CallFlowRef{TargetFlowID: stringOutput(outcome.Output, "targetFlowId")}
		result.CallFlow = inv.resolveCallFlow(ref)
		if !result.CallFlow.Found {
			result.Texts = []string{fmt.Sprintf("Error: flow %q not found", ref.TargetFlowID)}
		}
	case flow.KindStatCard, flow.KindPostList:
		result.Mode = flow.ModeViews
		view, ok := inv.idx.ViewByID(target.ID)
		if !ok {
			view = flow.View{ID: target.ID, Layout: target.Kind, Name: target.Name}
		}
		result.View = &ViewResult{View: view, Data: mergeOverSample(view.SampleData, outcome.Output)}
	default:
		// Data nodes answer with their output as text.
		result.Texts = []string{encodeOutput(outcome.Output)}
	}
	return result
}

func stringOutput(output map[string]any, key string) string {
	if s, ok := output[key].(string); ok {
		return s
	}
	return ""
}

func encodeOutput(output map[string]any) string {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(raw)
}
