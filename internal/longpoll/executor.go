// Package longpoll performs the upstream shape call for one admitted request.
package longpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/feedgate/api"
	"pkt.systems/feedgate/internal/admission"
	"pkt.systems/feedgate/internal/checkpoint"
	"pkt.systems/feedgate/internal/correlation"
	"pkt.systems/feedgate/internal/shape"
)

const (
	// DefaultTimeout bounds one upstream call, long enough for a live poll.
	DefaultTimeout = 90 * time.Second
	// DefaultMaxBody bounds a buffered origin response.
	DefaultMaxBody = 64 << 20
)

// ErrBodyTooLarge is returned when the origin response exceeds MaxBody.
var ErrBodyTooLarge = errors.New("longpoll: origin response too large")

// OriginError reports an upstream failure. Status is zero when the origin
// could not be reached or its body could not be read.
type OriginError struct {
	Origin string
	Status int
	Header http.Header
	Body   []byte
	Err    error
}

func (e *OriginError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("longpoll: origin %s answered %d", e.Origin, e.Status)
	}
	return fmt.Sprintf("longpoll: origin %s: %v", e.Origin, e.Err)
}

func (e *OriginError) Unwrap() error { return e.Err }

// Unreachable reports whether the origin never produced a response.
func (e *OriginError) Unreachable() bool { return e.Status == 0 }

// Config controls an Executor.
type Config struct {
	Client      *http.Client
	Checkpoints *checkpoint.Cache
	Timeout     time.Duration
	MaxBody     int64
	Logger      pslog.Logger
}

// Executor is safe for concurrent use.
type Executor struct {
	client      *http.Client
	checkpoints *checkpoint.Cache
	timeout     time.Duration
	maxBody     int64
	logger      pslog.Logger
	metrics     *metrics
}

// New constructs an Executor. Without a client, one with an instrumented
// default transport is used.
func New(cfg Config) *Executor {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: NewTransport(nil)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Executor{
		client:      cfg.Client,
		checkpoints: cfg.Checkpoints,
		timeout:     cfg.Timeout,
		maxBody:     cfg.MaxBody,
		logger:      cfg.Logger,
		metrics:     newMetrics(cfg.Logger),
	}
}

// NewTransport wraps base (or a tuned clone of http.DefaultTransport) with
// OpenTelemetry instrumentation.
func NewTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		if t, ok := http.DefaultTransport.(*http.Transport); ok {
			clone := t.Clone()
			clone.MaxIdleConns = 1024
			clone.MaxIdleConnsPerHost = 256
			clone.IdleConnTimeout = 90 * time.Second
			clone.ResponseHeaderTimeout = 0
			base = clone
		} else {
			base = http.DefaultTransport
		}
	}
	return otelhttp.NewTransport(base)
}

// Request is one upstream call.
type Request struct {
	Origin  string
	Query   shape.Query
	Adapter shape.Adapter
	// Cutoff is the resolved lower bound, zero when the request has none.
	Cutoff time.Time
	// Lease is released exactly once when Execute returns. Nil for
	// non-live requests.
	Lease *admission.Lease
}

// Response is a successful origin answer, headers already translated for
// the caller's protocol.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Handle string
}

// Execute calls the origin. Cancellation of ctx aborts the upstream call.
// For a fresh subscription with a cutoff, the handle minted by the origin is
// pinned to that cutoff. The request's lease is released on every path.
func (e *Executor) Execute(ctx context.Context, req Request) (resp *Response, err error) {
	begin := time.Now()
	defer req.Lease.Release(ctx)
	defer func() {
		e.metrics.record(ctx, req.Query.Live, resultLabel(err), time.Since(begin))
	}()

	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = e.logger
	}
	target, err := originURL(req.Origin, req.Query.Values(req.Adapter))
	if err != nil {
		return nil, &OriginError{Origin: req.Origin, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, &OriginError{Origin: req.Origin, Err: err}
	}
	if cid := correlation.ID(ctx); cid != "" {
		httpReq.Header.Set(api.HeaderCorrelationID, cid)
	}
	logger.Trace("longpoll.upstream.begin", "origin", req.Origin, "table", req.Query.Table, "live", req.Query.Live, "handle", req.Query.Handle)
	upstream, err := e.client.Do(httpReq)
	if err != nil {
		logger.Warn("longpoll.upstream.unreachable", "origin", req.Origin, "handle", req.Query.Handle, "error", err)
		return nil, &OriginError{Origin: req.Origin, Err: err}
	}
	defer upstream.Body.Close()
	body, err := readBody(upstream.Body, e.maxBody)
	if err != nil {
		logger.Warn("longpoll.upstream.read_failed", "origin", req.Origin, "status", upstream.StatusCode, "error", err)
		return nil, &OriginError{Origin: req.Origin, Err: err}
	}
	header := responseHeader(upstream.Header)
	if upstream.StatusCode < 200 || upstream.StatusCode > 299 {
		logger.Warn("longpoll.origin.error", "origin", req.Origin, "status", upstream.StatusCode, "handle", req.Query.Handle)
		req.Adapter.TranslateHeaders(header)
		return nil, &OriginError{Origin: req.Origin, Status: upstream.StatusCode, Header: header, Body: body}
	}
	handle := shape.ResponseHandle(header)
	if req.Query.Handle == "" && handle != "" && !req.Cutoff.IsZero() && e.checkpoints != nil {
		if err := e.checkpoints.Set(ctx, handle, req.Cutoff); err != nil {
			logger.Warn("checkpoint.shared.error", "handle", handle, "error", err)
		} else {
			logger.Debug("checkpoint.pinned", "handle", handle, "cutoff", req.Cutoff)
		}
	}
	req.Adapter.TranslateHeaders(header)
	return &Response{Status: upstream.StatusCode, Header: header, Body: body, Handle: handle}, nil
}

func originURL(origin string, values url.Values) (string, error) {
	base, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return "", fmt.Errorf("longpoll: parse origin: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("longpoll: origin %q is not an absolute URL", origin)
	}
	base.Path += api.OriginShapePath
	base.RawQuery = values.Encode()
	return base.String(), nil
}

func readBody(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
	"Content-Length",
}

func responseHeader(src http.Header) http.Header {
	h := src.Clone()
	for _, name := range hopHeaders {
		h.Del(name)
	}
	return h
}

func resultLabel(err error) string {
	var oe *OriginError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &oe) && oe.Unreachable():
		return "unreachable"
	default:
		return "origin_error"
	}
}
