package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/app"
	"github.com/dennisdiepolder/monti/webphone/internal/metrics"
	"github.com/dennisdiepolder/monti/webphone/internal/phone"
	"github.com/dennisdiepolder/monti/webphone/internal/sipua"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
	// requestTimeout bounds call controls that wait on the far end
	requestTimeout = 15 * time.Second
)

// Phone is the call surface driven by the API
type Phone interface {
	Status() phone.Status
	Call(ctx context.Context, target string) (types.CallSummary, error)
	Answer(ctx context.Context) error
	EndCall() error
	Mute() error
	Unmute() error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	SendDTMF(ctx context.Context, tone string) error
	TransferBlind(ctx context.Context, target string) error
}

// Service is the connectivity surface driven by the API
type Service interface {
	Snapshot() types.ConnectivitySnapshot
	Subscriptions() []string
	Reconnect() error
	AuditRecords(limit int) []types.AuditRecord
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Connectivity types.ConnectivitySnapshot `json:"connectivity"`
	Phone        phone.Status               `json:"phone"`
}

type targetRequest struct {
	Target string `json:"target"`
}

type toneRequest struct {
	Tone string `json:"tone"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// API is the HTTP control surface of the webphone
type API struct {
	phone   Phone
	service Service
	metrics *metrics.Metrics
	events  http.Handler
	logger  zerolog.Logger
}

// NewAPI creates the API. metrics and events may be nil.
func NewAPI(p Phone, s Service, m *metrics.Metrics, events http.Handler, logger zerolog.Logger) *API {
	return &API{
		phone:   p,
		service: s,
		metrics: m,
		events:  events,
		logger:  logger.With().Str("component", "control").Logger(),
	}
}

// SetupRoutes registers every route on r
func (api *API) SetupRoutes(r chi.Router) {
	r.Get("/health", healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(api.instrument)

		r.Get("/api/status", api.statusHandler)
		r.Get("/api/subscriptions", api.subscriptionsHandler)
		r.Post("/api/reconnect", api.reconnectHandler)
		r.Get("/api/audit", api.auditHandler)

		r.Route("/api/calls", func(r chi.Router) {
			r.Post("/", api.callHandler)
			r.Post("/answer", api.withContext(api.phone.Answer))
			r.Post("/end", api.simple(api.phone.EndCall))
			r.Post("/mute", api.simple(api.phone.Mute))
			r.Post("/unmute", api.simple(api.phone.Unmute))
			r.Post("/hold", api.withContext(api.phone.Hold))
			r.Post("/unhold", api.withContext(api.phone.Unhold))
			r.Post("/dtmf", api.dtmfHandler)
			r.Post("/transfer", api.transferHandler)
		})
	})

	if api.metrics != nil {
		r.Method(http.MethodGet, "/metrics", api.metrics.Handler())
	}
	if api.events != nil {
		r.Method(http.MethodGet, "/ws/events", api.events)
	}
}

// Router returns a chi router with all routes registered
func (api *API) Router() chi.Router {
	r := chi.NewRouter()
	api.SetupRoutes(r)
	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "webphone"})
}

func (api *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Connectivity: api.service.Snapshot(),
		Phone:        api.phone.Status(),
	})
}

func (api *API) subscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	subs := api.service.Subscriptions()
	if subs == nil {
		subs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"subscriptions": subs})
}

func (api *API) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.service.Reconnect(); err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "reconnecting"})
}

func (api *API) auditHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAuditLimit)
	}
	records := api.service.AuditRecords(limit)
	if records == nil {
		records = []types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (api *API) callHandler(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	summary, err := api.phone.Call(ctx, req.Target)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (api *API) dtmfHandler(w http.ResponseWriter, r *http.Request) {
	var req toneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := api.phone.SendDTMF(ctx, req.Tone); err != nil {
		api.fail(w, r, err)
		return
	}
	api.respondStatus(w)
}

func (api *API) transferHandler(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := api.phone.TransferBlind(ctx, req.Target); err != nil {
		api.fail(w, r, err)
		return
	}
	api.respondStatus(w)
}

// simple adapts a control that needs no input
func (api *API) simple(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			api.fail(w, r, err)
			return
		}
		api.respondStatus(w)
	}
}

// withContext adapts a control that waits on the far end
func (api *API) withContext(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			api.fail(w, r, err)
			return
		}
		api.respondStatus(w)
	}
}

// respondStatus answers a successful control with the phone status
func (api *API) respondStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, api.phone.Status())
}

func (api *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		api.logger.Error().Err(err).Str("path", r.URL.Path).Msg("control request failed")
	} else {
		api.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("control request rejected")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// statusFor maps engine and agent errors to HTTP status codes
func statusFor(err error) int {
	var reqErr *sipua.RequestError
	switch {
	case errors.Is(err, phone.ErrInvalidTarget), errors.Is(err, phone.ErrInvalidDTMF):
		return http.StatusBadRequest
	case errors.Is(err, phone.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, phone.ErrInvalidState), errors.Is(err, phone.ErrAlreadyActive), errors.Is(err, sipua.ErrWrongState):
		return http.StatusConflict
	case errors.Is(err, phone.ErrNotRegistered), errors.Is(err, sipua.ErrNotConnected), errors.Is(err, app.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.As(err, &reqErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// instrument records request counts and latency by route pattern
func (api *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		api.metrics.RecordHTTPRequest(route, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
