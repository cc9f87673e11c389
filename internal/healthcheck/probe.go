package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/3cpo-dev/tunedesk/internal/registry"
)

const (
	MsgTimeout = "Request timeout"
	MsgNetwork = "Network error (CORS or unreachable)"

	maxProbeBody = 1 << 20
)

// Result is the outcome of probing a single service.
type Result struct {
	State        State
	ResponseTime time.Duration
	Error        string
}

// Prober checks one service. Implementations must not return a non-terminal
// state and must respect ctx.
type Prober interface {
	Probe(ctx context.Context, svc registry.Service) Result
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, svc registry.Service) Result

func (f ProberFunc) Probe(ctx context.Context, svc registry.Service) Result { return f(ctx, svc) }

// HTTPProber issues GET service.url and classifies the answer. Every status
// code is accepted as a response; classification happens here.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber returns a prober with its own transport and the given hard timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		Timeout: timeout,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, svc registry.Service) Result {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return Result{State: StateError, ResponseTime: time.Since(start), Error: transportMessage(err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{State: StateError, ResponseTime: time.Since(start), Error: transportMessage(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	elapsed := time.Since(start)
	if err != nil {
		return Result{State: StateError, ResponseTime: elapsed, Error: transportMessage(err)}
	}

	state, msg := classify(resp.StatusCode, body)
	return Result{State: state, ResponseTime: elapsed, Error: msg}
}

// classify applies the status-code OR body rule.
func classify(code int, body []byte) (State, string) {
	healthyStatus := code >= 200 && code < 400
	if healthyStatus || healthyBody(body) {
		return StateUp, ""
	}
	return StateDown, fmt.Sprintf("HTTP %d", code)
}

// healthyBody is true for a JSON object whose "status" is exactly "healthy" or "ok".
func healthyBody(body []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return false
	}
	raw, ok := obj["status"]
	if !ok {
		return false
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return false
	}
	return status == "healthy" || status == "ok"
}

func transportMessage(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return MsgTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return MsgTimeout
	case unreachable(err):
		return MsgNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func unreachable(err error) bool {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}
