// Package proxy implements the route table and the proxy engine:
// assembling the downstream URL, copying headers, choosing a
// buffer-vs-stream body policy, invoking the shared client through the
// service's circuit breaker, and writing the backend's response back
// verbatim.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/tracklore/gateway/internal/registry"
)

// Outcome classifies how a proxied call ended, for logging and metrics.
type Outcome int

const (
	OutcomeBackend Outcome = iota
	OutcomeBreakerOpen
	OutcomeConnectError
	OutcomeTimeout
	OutcomeInternal
)

// Result is what the engine reports back to its caller after a call.
type Result struct {
	Outcome    Outcome
	StatusCode int // the status written to the client
}

// Engine is the proxy engine. It holds no per-request state; Forward is
// safe to call concurrently from many goroutines.
type Engine struct {
	client         *http.Client
	maxRequestSize int64
}

// NewEngine builds an Engine over the shared pooled client.
func NewEngine(client *http.Client, maxRequestSize int64) *Engine {
	return &Engine{client: client, maxRequestSize: maxRequestSize}
}

// Forward proxies r to entry's backend at downstreamPath (already
// rewritten by the matched route) under the entry's base URL, and writes
// the backend's (or the gateway's own error) response to w.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, entry *registry.Entry, downstreamPath string) Result {
	if !entry.Breaker.Admit() {
		writeText(w, http.StatusServiceUnavailable, "Service Unavailable")
		return Result{Outcome: OutcomeBreakerOpen, StatusCode: http.StatusServiceUnavailable}
	}

	downstreamURL := buildDownstreamURL(entry.BaseURL, downstreamPath, r.URL.RawQuery)

	body, contentLength := e.selectBody(r)
	defer body.Close()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, downstreamURL.String(), body)
	if err != nil {
		entry.Breaker.OnFailure()
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return Result{Outcome: OutcomeInternal, StatusCode: http.StatusInternalServerError}
	}
	outReq.Header = copyHeadersWithoutHost(r.Header)
	outReq.ContentLength = contentLength

	resp, err := e.client.Do(outReq)
	if err != nil {
		entry.Breaker.OnFailure()
		outcome, status, msg := classifyTransportError(err)
		writeText(w, status, msg)
		return Result{Outcome: outcome, StatusCode: status}
	}
	defer resp.Body.Close()
	entry.Breaker.OnSuccess()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	return Result{Outcome: OutcomeBackend, StatusCode: resp.StatusCode}
}

// selectBody implements spec.md §4.4's buffer-vs-stream policy: a known
// Content-Length over the threshold streams; an unknown length (chunked
// request, no Content-Length) also streams, per the Open Question in
// spec.md §9 resolved toward the safer default.
func (e *Engine) selectBody(r *http.Request) (io.ReadCloser, int64) {
	if r.Body == nil {
		return http.NoBody, 0
	}
	if r.ContentLength > 0 && r.ContentLength <= e.maxRequestSize {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return http.NoBody, 0
		}
		return io.NopCloser(bytes.NewReader(b)), int64(len(b))
	}
	// Either over the threshold, or unknown length: stream.
	return r.Body, r.ContentLength
}

func buildDownstreamURL(base *url.URL, path, rawQuery string) *url.URL {
	u := *base
	u.Path = joinPath(base.Path, path)
	u.RawQuery = rawQuery
	return &u
}

func joinPath(basePath, path string) string {
	if basePath == "" || basePath == "/" {
		return "/" + path
	}
	return basePath + "/" + path
}

func copyHeadersWithoutHost(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// classifyTransportError maps a transport-layer failure to the gateway
// status/body pair from spec.md §4.4/§7's error table.
func classifyTransportError(err error) (Outcome, int, string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout, http.StatusGatewayTimeout, "Gateway Timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout, http.StatusGatewayTimeout, "Gateway Timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return OutcomeConnectError, http.StatusBadGateway, "Bad Gateway"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutcomeConnectError, http.StatusBadGateway, "Bad Gateway"
	}
	return OutcomeInternal, http.StatusInternalServerError, "Internal Server Error"
}
