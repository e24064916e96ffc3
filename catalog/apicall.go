package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fern-labs/fernflow/flow"
)

// maxResponseBytes caps how much of a remote response we buffer.
const maxResponseBytes = 4 << 20

func (c *Catalog) executeAPICall(ctx context.Context, node flow.NodeInstance, input map[string]any) Outcome {
	var params APICallParams
	if err := decodeParams(node, &params); err != nil {
		return configFailure(node.ID, "decoding api call params: %v", err)
	}
	if params.URL == "" {
		return configFailure(node.ID, "api call node %q has no url", node.ID)
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}

	if params.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if payload := requestPayload(params, input, method); payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return configFailure(node.ID, "encoding request body: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, params.URL, body)
	if err != nil {
		return configFailure(node.ID, "building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return executionFailure(node.ID, "calling %s %s: %v", method, params.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return executionFailure(node.ID, "reading response from %s: %v", params.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return executionFailure(node.ID, "%s %s returned status %d: %s",
			method, params.URL, resp.StatusCode, snippet(raw))
	}

	return Outcome{Output: decodeResponse(raw, resp.StatusCode)}
}

// requestPayload merges the configured body with the accumulated input for
// methods that carry one. Input keys override configured keys.
func requestPayload(params APICallParams, input map[string]any, method string) map[string]any {
	if method == http.MethodGet || method == http.MethodHead {
		return nil
	}
	if len(params.Body) == 0 && len(input) == 0 {
		return nil
	}
	payload := make(map[string]any, len(params.Body)+len(input))
	for k, v := range params.Body {
		payload[k] = v
	}
	for k, v := range input {
		payload[k] = v
	}
	return payload
}

// decodeResponse maps a response body onto node output. JSON objects pass
// through as-is; arrays and scalars are wrapped so downstream nodes always
// see an object.
func decodeResponse(raw []byte, status int) map[string]any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{"status": float64(status)}
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		switch v := decoded.(type) {
		case map[string]any:
			return v
		default:
			return map[string]any{"result": v}
		}
	}
	return map[string]any{"body": string(trimmed), "status": float64(status)}
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = fmt.Sprintf("%s...", s[:200])
	}
	return s
}
