package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// Transport opens a built provider request and returns the raw response
// stream. The loop imposes no timeout of its own; a hung connection is the
// transport's problem to bound.
type Transport interface {
	Open(ctx context.Context, req *providers.Request) (io.ReadCloser, error)
}

// HTTPTransport is the default Transport over net/http.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport using a dedicated client with no
// overall timeout (streams are long-lived).
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{}}
}

// Open issues the request and returns the body stream. Non-2xx responses are
// drained for their error text and surfaced as an error.
func (t *HTTPTransport) Open(ctx context.Context, req *providers.Request) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp.Body, nil
}
