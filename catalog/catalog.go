// Package catalog defines the execution contract for each node kind. The
// dispatch is a closed switch over flow.NodeKind: a kind outside the
// enumeration is a configuration failure, never a panic. Node I/O (outbound
// HTTP, script evaluation) is isolated so that failures surface as failure
// outcomes, not errors crossing the engine boundary.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/script"
)

// FailureClass distinguishes misconfiguration (non-retryable, the node
// definition is wrong) from execution failures (the remote call or script
// failed at runtime).
type FailureClass string

const (
	FailureConfig    FailureClass = "config"
	FailureExecution FailureClass = "execution"
)

// Failure describes why a node did not produce output.
type Failure struct {
	Class   FailureClass `json:"class"`
	NodeID  string       `json:"nodeId,omitempty"`
	Message string       `json:"message"`
}

// Outcome is the result of executing one node. Exactly one of Output or
// Failure is meaningful; a nil Failure means success.
type Outcome struct {
	Output  map[string]any `json:"output,omitempty"`
	Failure *Failure       `json:"failure,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

func configFailure(nodeID, format string, args ...any) Outcome {
	return Outcome{Failure: &Failure{
		Class:   FailureConfig,
		NodeID:  nodeID,
		Message: fmt.Sprintf(format, args...),
	}}
}

func executionFailure(nodeID, format string, args ...any) Outcome {
	return Outcome{Failure: &Failure{
		Class:   FailureExecution,
		NodeID:  nodeID,
		Message: fmt.Sprintf(format, args...),
	}}
}

// APICallParams configures an api_call node.
type APICallParams struct {
	Method         string            `json:"method,omitempty"` // defaults to GET
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           map[string]any    `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

// TransformParams configures a transform node. Script is a script-package
// expression with the node input bound as `input`.
type TransformParams struct {
	Script string `json:"script"`
}

// ReturnParams configures a return node.
type ReturnParams struct {
	Text string `json:"text"`
}

// LinkParams configures a link node.
type LinkParams struct {
	URL string `json:"url"`
}

// CallFlowParams configures a call_flow node.
type CallFlowParams struct {
	TargetFlowID string `json:"targetFlowId"`
}

// WidgetParams configures a stat_card or post_list node. Data is the
// node-level configured payload; accumulated traversal data overrides it
// key by key.
type WidgetParams struct {
	Data map[string]any `json:"data,omitempty"`
}

const defaultAPICallTimeout = 15 * time.Second

// Catalog executes nodes by kind. It is stateless apart from the shared
// HTTP client used by api_call nodes.
type Catalog struct {
	client *http.Client
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithHTTPClient sets the HTTP client used by api_call nodes.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) {
		c.client = client
	}
}

// New creates a Catalog.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		client: &http.Client{Timeout: defaultAPICallTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs one node against its input and returns the outcome. The
// switch is exhaustive over the node-kind enumeration; trigger nodes are
// entry points and refuse to execute.
func (c *Catalog) Execute(ctx context.Context, node flow.NodeInstance, input map[string]any) Outcome {
	switch node.Kind {
	case flow.KindTrigger:
		return configFailure(node.ID, "trigger node %q is an entry point and cannot be executed", node.ID)
	case flow.KindAPICall:
		return c.executeAPICall(ctx, node, input)
	case flow.KindTransform:
		return executeTransform(node, input)
	case flow.KindStatCard, flow.KindPostList:
		return executeWidget(node, input)
	case flow.KindReturn:
		return executeReturn(node)
	case flow.KindCallFlow:
		return executeCallFlow(node)
	case flow.KindLink:
		return executeLink(node)
	default:
		return configFailure(node.ID, "unknown node kind %q", node.Kind)
	}
}

func decodeParams(node flow.NodeInstance, dst any) error {
	if len(node.Params) == 0 {
		return nil
	}
	return json.Unmarshal(node.Params, dst)
}

func executeTransform(node flow.NodeInstance, input map[string]any) Outcome {
	var params TransformParams
	if err := decodeParams(node, &params); err != nil {
		return configFailure(node.ID, "decoding transform params: %v", err)
	}
	if params.Script == "" {
		return configFailure(node.ID, "transform node %q has no script", node.ID)
	}

	result, err := script.Run(params.Script, map[string]any{"input": anyInput(input)})
	if err != nil {
		// Preserve the original script error message for the trace.
		return executionFailure(node.ID, "%v", err)
	}

	if obj, ok := result.(map[string]any); ok {
		return Outcome{Output: obj}
	}
	return Outcome{Output: map[string]any{"result": result}}
}

// anyInput keeps nil inputs addressable as an empty object inside scripts.
func anyInput(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	return input
}

func executeWidget(node flow.NodeInstance, input map[string]any) Outcome {
	var params WidgetParams
	if err := decodeParams(node, &params); err != nil {
		return configFailure(node.ID, "decoding widget params: %v", err)
	}

	// Configured data first, accumulated traversal data wins per key.
	out := make(map[string]any, len(params.Data)+len(input))
	for k, v := range params.Data {
		out[k] = v
	}
	for k, v := range input {
		out[k] = v
	}
	return Outcome{Output: out}
}

func executeReturn(node flow.NodeInstance) Outcome {
	var params ReturnParams
	if err := decodeParams(node, &params); err != nil {
		return configFailure(node.ID, "decoding return params: %v", err)
	}
	// Return nodes ignore their input by contract.
	return Outcome{Output: map[string]any{"text": params.Text}}
}

func executeLink(node flow.NodeInstance) Outcome {
	var params LinkParams
	if err := decodeParams(node, &params); err != nil {
		return configFailure(node.ID, "decoding link params: %v", err)
	}
	if params.URL == "" {
		return configFailure(node.ID, "link node %q has no url", node.ID)
	}
	return Outcome{Output: map[string]any{"url": params.URL}}
}

func executeCallFlow(node flow.NodeInstance) Outcome {
	var params CallFlowParams
	if err := decodeParams(node, &params); err != nil {
		return configFailure(node.ID, "decoding call flow params: %v", err)
	}
	if params.TargetFlowID == "" {
		return configFailure(node.ID, "call flow node %q has no target flow", node.ID)
	}
	return Outcome{Output: map[string]any{"targetFlowId": params.TargetFlowID}}
}
