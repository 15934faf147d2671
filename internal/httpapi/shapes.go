package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/feedgate/api"
	"pkt.systems/feedgate/internal/admission"
	"pkt.systems/feedgate/internal/longpoll"
	"pkt.systems/feedgate/internal/shape"
	"pkt.systems/feedgate/internal/svcfields"
)

// admissionRetryAfter is the hint sent with concurrency rejections. Slots
// free up when a long poll returns, which is bounded by the upstream
// timeout, but most tenants recover much sooner.
const admissionRetryAfter = 5 * time.Second

func (h *Handler) handleShape(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	if h.draining.Load() {
		return httpError{
			Status:     http.StatusServiceUnavailable,
			Code:       api.CodeShuttingDown,
			Detail:     "gateway is draining",
			RetryAfter: 1,
		}
	}
	ctx := r.Context()
	table := strings.TrimPrefix(r.URL.Path, api.ShapesPathPrefix)
	if err := h.builder.ValidateTable(table); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: api.CodeInvalidTable, Detail: err.Error()}
	}
	tenant, err := h.authorizer.Authorize(r)
	if err != nil {
		return httpError{Status: http.StatusUnauthorized, Code: api.CodeUnauthenticated, Detail: err.Error()}
	}

	adapter := shape.Detect(r)
	params := adapter.Parse(table, r.URL.Query())
	origin := h.router.Route(tenant.EnvironmentID)

	logger := svcfields.WithTenant(pslog.LoggerFromContext(ctx), tenant.EnvironmentID, tenant.OrganizationID).With(
		"table", table,
		"origin", origin,
		"protocol", adapter.Protocol().String(),
		"live", params.Live,
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("feedgate.environment_id", tenant.EnvironmentID),
		attribute.String("feedgate.table", table),
		attribute.Bool("feedgate.live", params.Live),
	)

	policy := h.limits.Policy(tenant.EnvironmentID, tenant.OrganizationID)
	if policy.Rate != nil && h.enforcer != nil {
		if ok, wait := h.enforcer.Allow(tenant.EnvironmentID, policy.Rate); !ok {
			logger.Info("shape.request.rate_limited", "rate", string(policy.Rate.Kind()), "retry_after", wait)
			return httpError{
				Status:     http.StatusTooManyRequests,
				Code:       api.CodeRateLimited,
				Detail:     "tenant request rate exceeded",
				RetryAfter: retryAfterSeconds(wait),
			}
		}
	}

	cutoff := h.resolveCutoff(ctx, params)
	query := h.builder.Build(tenant, params, cutoff)

	var lease *admission.Lease
	if params.Live {
		limit := policy.Concurrency
		if limit <= 0 {
			limit = admission.DefaultLimit
		}
		lease, err = h.admission.Admit(ctx, tenant.EnvironmentID, requestID(ctx), limit, h.liveWindow)
		switch {
		case errors.Is(err, admission.ErrRejected):
			return httpError{
				Status:     http.StatusTooManyRequests,
				Code:       api.CodeTooManyConcurrent,
				Detail:     "tenant is at its concurrent live request limit",
				RetryAfter: retryAfterSeconds(admissionRetryAfter),
				Header:     map[string]string{api.HeaderAdmissionLimit: strconv.Itoa(limit)},
			}
		case errors.Is(err, admission.ErrUnavailable):
			return httpError{
				Status:     http.StatusServiceUnavailable,
				Code:       api.CodeAdmissionUnavailable,
				Detail:     "admission store unavailable",
				RetryAfter: 1,
			}
		case err != nil:
			return err
		}
		logger.Debug("shape.request.admitted", "in_flight", lease.InFlight, "limit", limit, "slot_held", lease.Held())
	}

	resp, err := h.executor.Execute(ctx, longpoll.Request{
		Origin:  origin,
		Query:   query,
		Adapter: adapter,
		Cutoff:  cutoff,
		Lease:   lease,
	})
	if err != nil {
		var originErr *longpoll.OriginError
		if !errors.As(err, &originErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if originErr.Unreachable() {
			return httpError{
				Status: http.StatusBadGateway,
				Code:   api.CodeOriginUnreachable,
				Detail: "change-feed origin unreachable",
			}
		}
		logger.Info("shape.request.origin_error", "status", originErr.Status)
		writeProxied(w, originErr.Status, originErr.Header, originErr.Body)
		return nil
	}
	logger.Trace("shape.request.complete", "status", resp.Status, "handle", resp.Handle, "bytes", len(resp.Body))
	writeProxied(w, resp.Status, resp.Header, resp.Body)
	return nil
}

// resolveCutoff returns the pinned cutoff for a resumed subscription, or
// resolves the window against now. A zero time means no lower bound.
func (h *Handler) resolveCutoff(ctx context.Context, params shape.Params) time.Time {
	if params.Window == "" {
		return time.Time{}
	}
	if params.Resumed() && h.checkpoints != nil {
		res := h.checkpoints.Lookup(ctx, params.Handle)
		if res.Hit() {
			return res.Cutoff
		}
		pslog.LoggerFromContext(ctx).Warn("checkpoint.resume.miss", "handle", params.Handle, "window", params.Window)
	}
	cutoff, ok := h.window.Resolve(params.Window, h.clock.Now())
	if !ok {
		return time.Time{}
	}
	return cutoff
}

func writeProxied(w http.ResponseWriter, status int, header http.Header, body []byte) {
	dst := w.Header()
	cid := dst.Get(api.HeaderCorrelationID)
	for name, values := range header {
		dst[name] = append([]string(nil), values...)
	}
	if cid != "" {
		dst.Set(api.HeaderCorrelationID, cid)
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
