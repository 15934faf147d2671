// Package httpapi serves the gateway's HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/feedgate/api"
	"pkt.systems/feedgate/internal/admission"
	"pkt.systems/feedgate/internal/checkpoint"
	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/correlation"
	"pkt.systems/feedgate/internal/limits"
	"pkt.systems/feedgate/internal/longpoll"
	"pkt.systems/feedgate/internal/routing"
	"pkt.systems/feedgate/internal/shape"
	"pkt.systems/feedgate/internal/svcfields"
	"pkt.systems/feedgate/internal/uuidv7"
	"pkt.systems/feedgate/internal/window"
)

// ReadyCheck is one dependency probed by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Logger      pslog.Logger
	Clock       clock.Clock
	Builder     *shape.Builder
	Router      *routing.Router
	Window      window.Resolver
	Checkpoints *checkpoint.Cache
	Admission   *admission.Controller
	Limits      limits.Provider
	Enforcer    *limits.Enforcer
	Executor    *longpoll.Executor
	Authorizer  Authorizer
	// LiveWindow is how long an unreleased admission slot counts.
	LiveWindow  time.Duration
	ReadyChecks []ReadyCheck
}

// Handler implements the shapes, health and readiness endpoints.
type Handler struct {
	logger      pslog.Logger
	clock       clock.Clock
	builder     *shape.Builder
	router      *routing.Router
	window      window.Resolver
	checkpoints *checkpoint.Cache
	admission   *admission.Controller
	limits      limits.Provider
	enforcer    *limits.Enforcer
	executor    *longpoll.Executor
	authorizer  Authorizer
	liveWindow  time.Duration
	readyChecks []ReadyCheck
	tracer      trace.Tracer
	draining    atomic.Bool
}

// New constructs a Handler. Builder, Router, Admission and Executor are
// required.
func New(cfg Config) (*Handler, error) {
	switch {
	case cfg.Builder == nil:
		return nil, errors.New("httpapi: builder is required")
	case cfg.Router == nil:
		return nil, errors.New("httpapi: router is required")
	case cfg.Admission == nil:
		return nil, errors.New("httpapi: admission controller is required")
	case cfg.Executor == nil:
		return nil, errors.New("httpapi: executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = HeaderAuthorizer{}
	}
	if cfg.Limits == nil {
		cfg.Limits = limits.Static{Concurrency: admission.DefaultLimit}
	}
	if cfg.Enforcer == nil {
		cfg.Enforcer = limits.NewEnforcer(cfg.Clock)
	}
	if cfg.Window.MaxLookback <= 0 {
		cfg.Window.MaxLookback = window.DefaultMaxLookback
	}
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = admission.DefaultWindow
	}
	return &Handler{
		logger:      cfg.Logger,
		clock:       clock.Or(cfg.Clock),
		builder:     cfg.Builder,
		router:      cfg.Router,
		window:      cfg.Window,
		checkpoints: cfg.Checkpoints,
		admission:   cfg.Admission,
		limits:      cfg.Limits,
		enforcer:    cfg.Enforcer,
		executor:    cfg.Executor,
		authorizer:  cfg.Authorizer,
		liveWindow:  cfg.LiveWindow,
		readyChecks: cfg.ReadyChecks,
		tracer:      otel.Tracer("pkt.systems/feedgate/httpapi"),
	}, nil
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(api.ShapesPathPrefix, h.wrap("shape", h.handleShape))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

// SetDraining makes new shape requests fail with 503 and flips /healthz.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := "gateway.http." + operation
	spanName := "feedgate.http." + operation
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), spanName,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.String("feedgate.sys", sys)),
		)
		defer span.End()

		reqID := uuidv7.NewString()
		if raw := strings.TrimSpace(r.Header.Get(api.HeaderCorrelationID)); raw != "" {
			ctx = correlation.Set(ctx, raw)
		}
		ctx, cid := correlation.Ensure(ctx)
		span.SetAttributes(attribute.String("feedgate.correlation_id", cid))
		w.Header().Set(api.HeaderCorrelationID, cid)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(withRequestID(ctx, reqID), logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		err := fn(w, r)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			// The caller is gone; nobody reads a response.
			span.SetStatus(codes.Error, "context_canceled")
			logger.Debug("http.request.canceled", "elapsed", time.Since(start))
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("feedgate.error_code", httpErr.Code),
					attribute.Int("feedgate.error_status", httpErr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
		}
	})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
	Header     map[string]string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		headers := map[string]string{}
		for k, v := range httpErr.Header {
			headers[k] = v
		}
		if httpErr.RetryAfter > 0 {
			headers[api.HeaderRetryAfter] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: api.CodeInternal,
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter, allow string) error {
	w.Header().Set("Allow", allow)
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   api.CodeMethodNotAllowed,
		Detail: "supported methods: " + allow,
	}
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
