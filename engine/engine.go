package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fern-labs/fernflow/catalog"
	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/ledger"
	"github.com/fern-labs/fernflow/schema"
)

// Sentinel errors for invocation resolution. The two are deliberately
// distinct: a caller asking for a tool that exists but is switched off gets
// a different answer than one asking for a tool that never existed.
var (
	ErrToolNotFound = errors.New("tool not found")
	ErrInactiveTool = errors.New("tool is inactive")
	ErrNodeNotFound = errors.New("node not found")
)

// ArgumentError carries the validation diagnostics for rejected arguments.
// No ledger record is created when arguments fail validation.
type ArgumentError struct {
	Diagnostics []flow.Diagnostic
}

func (e *ArgumentError) Error() string {
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.Message
	}
	return "invalid arguments: " + strings.Join(msgs, "; ")
}

// CallFlowResult describes a call-flow terminal: the host is expected to
// re-invoke the target tool; the engine never nests invocations.
type CallFlowResult struct {
	TargetFlowID   string
	TargetToolName string
	Found          bool
}

// ViewResult describes a view terminal: the primary view plus the payload
// assembled from the output chain (or the view's sample data as fallback).
type ViewResult struct {
	View flow.View
	Data map[string]any
}

// Result is the shaped outcome of an invocation, ready for protocol
// mapping. Mode tells the caller which of the optional fields is set.
type Result struct {
	ExecutionID string
	AppSlug     string
	FlowID      string
	ToolName    string
	Mode        flow.EndActionMode
	Texts       []string
	CallFlow    *CallFlowResult
	View        *ViewResult
	IsError     bool
}

// NoEndActionText is the error surfaced when a flow has no terminal
// configured. The invocation still runs but finishes in error.
const NoEndActionText = "Flow has no end action configured."

// Options carries per-invocation flags.
type Options struct {
	IsPreview       bool
	UserFingerprint string
}

// Config configures an Engine instance.
type Config struct {
	Catalog *catalog.Catalog
	Store   ledger.Store
	Logger  *slog.Logger
	Events  EventHandler
	NewID   func() string
}

// Engine drives tool invocations over app flow graphs.
type Engine struct {
	catalog *catalog.Catalog
	store   ledger.Store
	logger  *slog.Logger
	events  EventHandler
	newID   func() string
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.New()
	}
	store := cfg.Store
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		catalog: cat,
		store:   store,
		logger:  logger,
		events:  cfg.Events,
		newID:   newID,
	}
}

func (e *Engine) emit(ev Event) {
	if e.events != nil {
		e.events(ev)
	}
}

// Invoke runs the tool with the given name against the app.
//
// Resolution happens before any record is written: an unknown tool returns
// ErrToolNotFound, an inactive one ErrInactiveTool, and invalid arguments
// an *ArgumentError. Once a pending ledger record exists the call always
// reaches a terminal status, even on internal failure.
func (e *Engine) Invoke(ctx context.Context, app *flow.App, toolName string, args map[string]any, opts Options) (Result, error) {
	idx, params, ok := flow.ResolveTool(app, toolName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrToolNotFound, toolName)
	}
	if !params.IsActive {
		return Result{}, fmt.Errorf("%w: %q", ErrInactiveTool, toolName)
	}

	decls := schema.Effective(params.Parameters)
	if diags := schema.ValidateArgs(decls, args); flow.HasErrors(diags) {
		return Result{}, &ArgumentError{Diagnostics: flow.Errors(diags)}
	}

	f := idx.Flow()
	exec := ledger.Execution{
		ID:              e.newID(),
		AppSlug:         app.Slug,
		FlowID:          f.ID,
		ToolName:        toolName,
		Status:          ledger.StatusPending,
		InitialParams:   args,
		IsPreview:       opts.IsPreview,
		UserFingerprint: opts.UserFingerprint,
		StartedAt:       time.Now().UTC(),
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return Result{}, fmt.Errorf("creating execution record: %w", err)
	}

	e.emit(NewEvent(EventInvocationStarted, exec.ID).WithTool(app.Slug, toolName))
	e.logger.Info("invocation started",
		"executionId", exec.ID, "app", app.Slug, "tool", toolName, "flow", f.ID)

	run := &invocation{engine: e, app: app, idx: idx, exec: exec}
	result := run.resolve(ctx, args)
	run.finalize(ctx)

	e.emit(NewEvent(EventInvocationFinished, exec.ID).
		WithTool(app.Slug, toolName).
		WithElapsed(time.Since(exec.StartedAt)).
		WithPayload("status", string(run.exec.Status)))

	return result, nil
}

// invocation is the mutable state of one Invoke or InvokeAction call.
type invocation struct {
	engine *Engine
	app    *flow.App
	idx    *flow.Index
	exec   ledger.Execution
}

// resolve shapes the terminal result for the flow's end action. The trigger
// node is always the first trace entry; its input is the accepted args and
// its output is backfilled with the terminal payload once that is known.
func (inv *invocation) resolve(ctx context.Context, args map[string]any) Result {
	trigger, _, _ := inv.idx.Trigger()
	inv.recordSuccess(trigger, args, nil)

	f := inv.idx.Flow()
	result := Result{
		ExecutionID: inv.exec.ID,
		AppSlug:     inv.app.Slug,
		FlowID:      f.ID,
		ToolName:    inv.exec.ToolName,
		Mode:        f.EndAction.Mode(),
	}

	switch result.Mode {
	case flow.ModeReturnValues:
		for _, rv := range f.EndAction.ReturnValues {
			result.Texts = append(result.Texts, rv.Text)
		}

	case flow.ModeCallFlows:
		ref := f.EndAction.CallFlows[0]
		result.CallFlow = inv.resolveCallFlow(ref)
		if !result.CallFlow.Found {
			result.Texts = []string{fmt.Sprintf("Error: flow %q not found", ref.TargetFlowID)}
		}

	case flow.ModeViews:
		view := f.EndAction.Views[0]
		data := inv.walkOutputChain(ctx, trigger, args)
		result.View = &ViewResult{View: view, Data: mergeOverSample(view.SampleData, data)}

	default:
		result.Texts = []string{NoEndActionText}
		result.IsError = true
		inv.exec.ErrorInfo = &ledger.ErrorInfo{
			Class:   "config",
			Message: NoEndActionText,
		}
	}

	inv.exec.NodeExecutions[0].Output = terminalOutput(result)
	return result
}

// terminalOutput renders the resolved terminal as the trigger entry's
// trace output.
func terminalOutput(res Result) map[string]any {
	switch res.Mode {
	case flow.ModeViews:
		if res.View != nil {
			return res.View.Data
		}
	case flow.ModeCallFlows:
		if res.CallFlow != nil && res.CallFlow.Found {
			return map[string]any{
				"action":         "callFlow",
				"targetFlowId":   res.CallFlow.TargetFlowID,
				"targetToolName": res.CallFlow.TargetToolName,
			}
		}
	}
	if len(res.Texts) == 0 {
		return nil
	}
	return map[string]any{"texts": res.Texts}
}

// resolveCallFlow looks up the referenced flow's tool name. The host
// re-invokes the target itself; a dangling reference still fulfills.
func (inv *invocation) resolveCallFlow(ref flow.CallFlowRef) *CallFlowResult {
	res := &CallFlowResult{TargetFlowID: ref.TargetFlowID}
	target, ok := inv.app.FlowByID(ref.TargetFlowID)
	if !ok {
		return res
	}
	tIdx := flow.NewIndex(target)
	if _, params, ok := tIdx.Trigger(); ok {
		res.TargetToolName = params.ToolName
	}
	res.Found = true
	return res
}

// walkOutputChain follows the "output" connection chain from the trigger,
// executing data nodes and accumulating their output, up to the first
// widget node (whose merge result terminates the chain). A mid-chain
// failure ends the walk; the caller falls back to sample data while the
// failure stays in the trace.
func (inv *invocation) walkOutputChain(ctx context.Context, from flow.NodeInstance, input map[string]any) map[string]any {
	current := from
	data := input
	executed := false
	// Each node is visited at most once; the bound also caps cyclic graphs.
	for range inv.idx.Flow().Nodes {
		conn, ok := inv.idx.FirstConnectionFrom(current.ID, flow.HandleOutput)
		if !ok {
			break
		}
		next, ok := inv.idx.NodeByID(conn.TargetNodeID)
		if !ok {
			break
		}

		outcome := inv.executeNode(ctx, next, data)
		if !outcome.OK() {
			return nil
		}
		data = outcome.Output
		executed = true
		if next.Kind.IsWidget() {
			break
		}
		current = next
	}
	if !executed {
		// An empty chain contributes nothing; the view's sample payload
		// stands alone.
		return nil
	}
	return data
}

// executeNode runs one node through the catalog and records the trace
// entry. Failures are recorded on both the trace and the execution's
// error info.
func (inv *invocation) executeNode(ctx context.Context, node flow.NodeInstance, input map[string]any) catalog.Outcome {
	started := time.Now().UTC()
	outcome := inv.engine.catalog.Execute(ctx, node, input)
	ended := time.Now().UTC()

	entry := ledger.NodeExecution{
		NodeID:    node.ID,
		NodeName:  node.Name,
		NodeKind:  node.Kind,
		Input:     input,
		StartedAt: started,
		EndedAt:   ended,
	}
	if outcome.OK() {
		entry.Status = "success"
		entry.Output = outcome.Output
	} else {
		entry.Status = "error"
		entry.Error = outcome.Failure.Message
		inv.exec.ErrorInfo = &ledger.ErrorInfo{
			Class:   string(outcome.Failure.Class),
			NodeID:  node.ID,
			Message: outcome.Failure.Message,
		}
	}
	inv.exec.NodeExecutions = append(inv.exec.NodeExecutions, entry)

	ev := NewEvent(EventNodeExecuted, inv.exec.ID).
		WithTool(inv.app.Slug, inv.exec.ToolName).
		WithNode(node.ID, node.Kind).
		WithElapsed(ended.Sub(started)).
		WithPayload("status", entry.Status)
	if !outcome.OK() {
		ev = ev.WithPayload("error", outcome.Failure.Message)
	}
	inv.engine.emit(ev)

	if !outcome.OK() {
		inv.engine.logger.Warn("node execution failed",
			"executionId", inv.exec.ID, "node", node.ID, "kind", node.Kind.String(),
			"class", string(outcome.Failure.Class), "error", outcome.Failure.Message)
	}

	return outcome
}

// recordSuccess appends a successful trace entry without running the node.
func (inv *invocation) recordSuccess(node flow.NodeInstance, input, output map[string]any) {
	now := time.Now().UTC()
	inv.exec.NodeExecutions = append(inv.exec.NodeExecutions, ledger.NodeExecution{
		NodeID:    node.ID,
		NodeName:  node.Name,
		NodeKind:  node.Kind,
		Status:    "success",
		Input:     input,
		Output:    output,
		StartedAt: now,
		EndedAt:   now,
	})
	inv.engine.emit(NewEvent(EventNodeExecuted, inv.exec.ID).
		WithTool(inv.app.Slug, inv.exec.ToolName).
		WithNode(node.ID, node.Kind).
		WithPayload("status", "success"))
}

// finalize writes the terminal ledger status. A record that cannot stay
// pending: if the update itself fails the error is logged and the sweep
// eventually reclaims the record.
func (inv *invocation) finalize(ctx context.Context) {
	now := time.Now().UTC()
	inv.exec.EndedAt = &now
	if inv.exec.ErrorInfo != nil {
		inv.exec.Status = ledger.StatusError
	} else {
		inv.exec.Status = ledger.StatusFulfilled
	}

	if err := inv.engine.store.Update(ctx, inv.exec); err != nil {
		inv.engine.logger.Error("finalizing execution failed",
			"executionId", inv.exec.ID, "error", err)
		return
	}
	inv.engine.logger.Info("invocation finished",
		"executionId", inv.exec.ID, "status", string(inv.exec.Status))
}

// mergeOverSample lays chain output over the view's sample payload. Nil
// chain output (empty chain or mid-chain failure) falls back to the sample
// alone.
func mergeOverSample(sample, data map[string]any) map[string]any {
	merged := make(map[string]any, len(sample)+len(data))
	for k, v := range sample {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	return merged
}
