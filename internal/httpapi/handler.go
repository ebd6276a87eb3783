// Package httpapi wires the checkpoint protocol endpoints to the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/api"
	"pkt.systems/pcfd/internal/checkpoint"
	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/correlation"
	"pkt.systems/pcfd/internal/svcfields"
	"pkt.systems/pcfd/internal/throttle"
	"pkt.systems/pcfd/internal/uuidv7"
)

// Protocol headers. Lowercase names are frozen: deployed agent SDKs send
// them as-is.
const (
	headerLeaseDuration   = "x-lease-duration-seconds"
	headerClientVersion   = "x-client-version"
	headerCheckpointDelay = "X-NonTransactional-Checkpoint-Delay"
	headerCorrelationID   = "X-Correlation-Id"
)

const defaultJSONMaxBytes = 1 << 20

// Handler wires HTTP endpoints to the checkpoint engine.
type Handler struct {
	engine             *checkpoint.Engine
	auth               Authorizer
	gate               *throttle.Gate
	ready              func(context.Context) error
	logger             pslog.Logger
	clock              clock.Clock
	jsonMaxBytes       int64
	maxCommands        int
	tracer             trace.Tracer
	httpTracingEnabled bool
}

// Config assembles a Handler.
type Config struct {
	Engine *checkpoint.Engine
	// Authorizer authenticates every protocol request. Required.
	Authorizer Authorizer
	// Gate is the admission throttle; nil admits everything.
	Gate *throttle.Gate
	// ReadyCheck backs /readyz; nil reports ready unconditionally.
	ReadyCheck func(context.Context) error
	Logger     pslog.Logger
	Clock      clock.Clock
	// JSONMaxBytes bounds request bodies. Zero means 1 MiB.
	JSONMaxBytes int64
	// MaxCommandsPerPop caps one getcommands response. Zero defers to the
	// queue router's batch size.
	MaxCommandsPerPop  int
	HTTPTracingEnabled bool
}

// New builds a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("httpapi: engine is required")
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("httpapi: authorizer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.JSONMaxBytes <= 0 {
		cfg.JSONMaxBytes = defaultJSONMaxBytes
	}
	return &Handler{
		engine:             cfg.Engine,
		auth:               cfg.Authorizer,
		gate:               cfg.Gate,
		ready:              cfg.ReadyCheck,
		logger:             cfg.Logger,
		clock:              cfg.Clock,
		jsonMaxBytes:       cfg.JSONMaxBytes,
		maxCommands:        cfg.MaxCommandsPerPop,
		tracer:             otel.Tracer("pcfd/httpapi"),
		httpTracingEnabled: cfg.HTTPTracingEnabled,
	}, nil
}

// Register mounts the protocol routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/checkpoint", h.wrap("checkpoint", h.handleCheckpoint))
	mux.Handle("/checkpoint/batch", h.wrap("checkpoint.batch", h.handleCheckpointBatch))
	mux.Handle("/getcommands", h.wrap("getcommands", h.handleGetCommands))
	mux.Handle("/command", h.wrap("command.query", h.handleQueryCommand))
	mux.Handle("/commandstatus", h.wrap("command.status", h.handleCommandStatus))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func requiresAuth(operation string) bool {
	switch operation {
	case "healthz", "readyz":
		return false
	}
	return true
}

// wrap provides the per-request envelope shared by every endpoint:
// correlation, request logging, authentication, then admission. The
// authorizer always runs before the gate so 401 is never masked by 429.
func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "pcfd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()

		var span trace.Span
		if h.httpTracingEnabled {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("pcfd.operation", operation)),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))

		logger := svcfields.WithSubsystem(h.logger, "httpapi").With(
			"req_id", reqID,
			"operation", operation,
			"correlation_id", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		if requiresAuth(operation) {
			principal, err := h.auth.Authorize(r, operation)
			if err != nil {
				if h.httpTracingEnabled {
					span.SetStatus(codes.Error, "unauthorized")
				}
				logger.Debug("http.request.unauthorized", "error", err)
				h.handleError(ctx, w, httpError{
					Status: http.StatusUnauthorized,
					Code:   "AuthenticationFailed",
					Detail: err.Error(),
				})
				return
			}
			logger = logger.With("agent_id", principal.AgentID.String())
			ctx = pslog.ContextWithLogger(ctx, logger)
			ctx = withPrincipal(ctx, principal)

			if h.gate != nil && !h.gate.Allow(operation, principal.AgentID.String()) {
				logger.Debug("http.request.throttled")
				h.handleError(ctx, w, httpError{
					Status:     http.StatusTooManyRequests,
					Code:       "TooManyRequests",
					Detail:     "request rejected by admission control",
					RetryAfter: int64(throttle.RetryAfter / time.Second),
				})
				return
			}
		}

		r = r.WithContext(ctx)
		if err := fn(w, r); err != nil {
			if h.httpTracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

// httpError is the transport-level error envelope. Code values on protocol
// paths are the frozen PascalCase checkpoint codes.
type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Message:           httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "InternalError",
		Message:   "internal server error",
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
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

// convertEngineError maps checkpoint protocol errors onto the wire. Other
// errors fall through to the internal-error path.
func convertEngineError(err error) error {
	var perr *checkpoint.Error
	if errors.As(err, &perr) {
		status := perr.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		return httpError{Status: status, Code: string(perr.Code), Detail: perr.Detail}
	}
	return err
}

func (h *Handler) decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "InvalidRequestBody",
			Detail: fmt.Sprintf("failed to parse request: %v", err),
		}
	}
	if err := dec.Decode(new(json.RawMessage)); err != io.EOF {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "InvalidRequestBody",
			Detail: "trailing data after JSON body",
		}
	}
	return nil
}

func requireMethod(r *http.Request, method string) error {
	if r.Method != method {
		return httpError{
			Status: http.StatusMethodNotAllowed,
			Code:   "MethodNotAllowed",
			Detail: fmt.Sprintf("supported method: %s", method),
		}
	}
	return nil
}
