// ABOUTME: Executes routed requests by forwarding them to the local service.
// ABOUTME: Only a fixed set of HTTP methods is forwarded; failures become error responses.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/wire"
)

// forwardTimeout bounds a single forwarded request. It sits under the
// gateway's 60s dispatch deadline so the agent answers before the
// caller gives up.
const forwardTimeout = 55 * time.Second

// Executor turns a routed request into a response. Implementations
// never return an error: failures are encoded as error responses so the
// caller always gets an answer for the correlation id.
type Executor interface {
	Execute(ctx context.Context, req *wire.Request) *wire.Response
}

// allowedMethods is the set of HTTP methods the executor will forward.
var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// HTTPExecutor forwards routed requests to a service listening on the
// agent's loopback interface.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPExecutor creates an executor targeting 127.0.0.1:port.
func NewHTTPExecutor(port int) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{Timeout: forwardTimeout},
	}
}

// Execute forwards req to the local service and returns its response.
func (e *HTTPExecutor) Execute(ctx context.Context, req *wire.Request) *wire.Response {
	if !allowedMethods[req.Method] {
		return errorResponse(req.ID, http.StatusMethodNotAllowed, fmt.Sprintf("method %q not allowed", req.Method))
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, e.baseURL+req.Path, body)
	if err != nil {
		return errorResponse(req.ID, http.StatusBadGateway, fmt.Sprintf("building request: %v", err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return errorResponse(req.ID, http.StatusBadGateway, fmt.Sprintf("forwarding request: %v", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errorResponse(req.ID, http.StatusBadGateway, fmt.Sprintf("reading response: %v", err))
	}

	return &wire.Response{
		ID:     req.ID,
		Status: httpResp.StatusCode,
		Body:   respBody,
	}
}

func errorResponse(id string, status int, msg string) *wire.Response {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &wire.Response{ID: id, Status: status, Body: body}
}
