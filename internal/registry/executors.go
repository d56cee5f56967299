package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/relaymesh/reactor/internal/plan"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// defaultClient instruments outbound agent calls with otelhttp so each
// dispatch shows up as a child span of the worker's call span. Callers
// that need custom transport behavior pass their own client instead.
func defaultClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// ResolveHeaders substitutes ${VAR} occurrences in header values from
// the process environment, evaluated once at registry construction
// time.
func ResolveHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = envVarRe.ReplaceAllStringFunc(v, func(tok string) string {
			name := tok[2 : len(tok)-1]
			return os.Getenv(name)
		})
	}
	return out
}

// normalizeBody applies the result-normalization rule: a fail-shaped
// body produces a fail Result; anything else is wrapped as ok.
func normalizeBody(body interface{}) Result {
	if m, ok := body.(map[string]interface{}); ok {
		if status, _ := m["status"].(string); status == "fail" {
			reason := firstNonEmpty(m["reason"], m["error"], m["message"])
			return Result{Status: "fail", Error: reason}
		}
	}
	return Result{Status: "ok", Output: body}
}

func firstNonEmpty(vals ...interface{}) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// HTTPExecutor posts a JSON payload to URL and parses the JSON response,
// falling back to {status_code, text} when the body isn't valid JSON.
type HTTPExecutor struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPExecutor builds an HTTPExecutor with interpolated headers and a
// default client if none is supplied.
func NewHTTPExecutor(url string, headers map[string]string, timeout time.Duration, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = defaultClient()
	}
	return &HTTPExecutor{URL: url, Headers: ResolveHeaders(headers), Timeout: timeout, Client: client}
}

func (h *HTTPExecutor) Execute(ctx context.Context, payload map[string]interface{}) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return normalizeBody(map[string]interface{}{
			"status_code": resp.StatusCode,
			"text":        string(raw),
		}), nil
	}
	return normalizeBody(parsed), nil
}

func (h *HTTPExecutor) Stream(ctx context.Context, payload map[string]interface{}, onRaw func(Event)) ([]Event, error) {
	return nil, fmt.Errorf("%s does not support streaming", h.URL)
}

// StreamingHTTPExecutor posts a payload and treats the response body as
// newline-delimited JSON frames, forwarding each to onRaw as it is
// decoded and returning the accumulated list.
type StreamingHTTPExecutor struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

func NewStreamingHTTPExecutor(url string, headers map[string]string, timeout time.Duration, client *http.Client) *StreamingHTTPExecutor {
	if client == nil {
		client = defaultClient()
	}
	return &StreamingHTTPExecutor{URL: url, Headers: ResolveHeaders(headers), Timeout: timeout, Client: client}
}

func (s *StreamingHTTPExecutor) Execute(ctx context.Context, payload map[string]interface{}) (Result, error) {
	events, err := s.Stream(ctx, payload, nil)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: "ok", Output: map[string]interface{}{plan.StreamRawEventsKey: events}}, nil
}

func (s *StreamingHTTPExecutor) Stream(ctx context.Context, payload map[string]interface{}, onRaw func(Event)) ([]Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var events []Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame Event
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		events = append(events, frame)
		if onRaw != nil {
			onRaw(frame)
		}
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}

// LocalFunc is the signature a local callable agent implements.
type LocalFunc func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

// LocalExecutor wraps an in-process function with the same shape as an
// HTTP executor: same normalization, no streaming support.
type LocalExecutor struct {
	Fn LocalFunc
}

func NewLocalExecutor(fn LocalFunc) *LocalExecutor {
	return &LocalExecutor{Fn: fn}
}

func (l *LocalExecutor) Execute(ctx context.Context, payload map[string]interface{}) (Result, error) {
	body, err := l.Fn(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	return normalizeBody(body), nil
}

func (l *LocalExecutor) Stream(ctx context.Context, payload map[string]interface{}, onRaw func(Event)) ([]Event, error) {
	return nil, fmt.Errorf("local executor does not support streaming")
}

var (
	_ Executor = (*HTTPExecutor)(nil)
	_ Executor = (*StreamingHTTPExecutor)(nil)
	_ Executor = (*LocalExecutor)(nil)
)
