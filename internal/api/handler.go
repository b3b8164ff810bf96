package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/engine"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/personalize"
	"github.com/example/campaign-dispatch/internal/phone"
	"github.com/example/campaign-dispatch/internal/suppression"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total number of API requests by route and status code",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// GatewayAdmin manages the stored gateway configurations.
type GatewayAdmin interface {
	CreateGateway(ctx context.Context, cfg gateway.Config) error
	SetDefaultGateway(ctx context.Context, id string) error
	ListGateways(ctx context.Context) ([]gateway.Config, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, campaignID string) error
}

type Handler struct {
	engine       *engine.Service
	suppressions *suppression.Registry
	gateways     GatewayAdmin
	queue        Enqueuer
	tracer       trace.Tracer
	logger       zerolog.Logger
	now          func() time.Time
}

func NewHandler(svc *engine.Service, registry *suppression.Registry, gateways GatewayAdmin, queue Enqueuer, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:       svc,
		suppressions: registry,
		gateways:     gateways,
		queue:        queue,
		tracer:       otel.Tracer("api"),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Route("/v1/campaigns", func(r chi.Router) {
		r.Post("/", h.createCampaign)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getCampaign)
			r.Delete("/", h.deleteCampaign)
			r.Post("/roster", h.prepareRoster)
			r.Post("/schedule", h.scheduleCampaign)
			r.Post("/send", h.sendCampaign)
			r.Post("/resume", h.resumeCampaign)
			r.Post("/cancel", h.cancelCampaign)
			r.Get("/preview", h.previewCampaign)
		})
	})
	r.Route("/v1/suppressions", func(r chi.Router) {
		r.Post("/", h.addSuppression)
		r.Get("/{phone}", h.getSuppression)
		r.Delete("/{phone}", h.removeSuppression)
	})
	r.Route("/v1/gateways", func(r chi.Router) {
		r.Post("/", h.createGateway)
		r.Get("/", h.listGateways)
		r.Post("/{id}/default", h.setDefaultGateway)
	})
	return r
}

// instrument opens a span per request and records the route pattern and the
// response status once the handler returns.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = r.Method + " " + rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", status))
		reqCounter.WithLabelValues(route, fmt.Sprint(status)).Inc()
		requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	c, err := h.engine.Create(r.Context(), req)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) prepareRoster(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.PrepareRoster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *Handler) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	if req.ScheduledAt.IsZero() {
		h.respondErr(r.Context(), w, http.StatusBadRequest, errors.New("scheduled_at is required"))
		return
	}
	c, err := h.engine.Schedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// sendCampaign runs the pre-flight synchronously and hands the dispatch to
// the worker pool. The caller polls the campaign for progress.
func (h *Handler) sendCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.engine.BeginSend(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("campaign.id", c.ID))
	if err := h.queue.Enqueue(ctx, c.ID); err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, fmt.Errorf("campaign %s started but could not be queued, resume it: %w", c.ID, err))
		return
	}
	respondJSON(w, http.StatusAccepted, c)
}

func (h *Handler) resumeCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.engine.Resume(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	if err := h.queue.Enqueue(ctx, c.ID); err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, c)
}

func (h *Handler) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handler) previewCampaign(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Preview(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("recipient_id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type suppressionRequest struct {
	Phone  string             `json:"phone"`
	Reason suppression.Reason `json:"reason"`
	Note   string             `json:"note"`
}

func (h *Handler) addSuppression(w http.ResponseWriter, r *http.Request) {
	var req suppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	e, err := h.suppressions.Add(r.Context(), req.Phone, req.Reason, req.Note)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (h *Handler) getSuppression(w http.ResponseWriter, r *http.Request) {
	e, err := h.suppressions.Get(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (h *Handler) removeSuppression(w http.ResponseWriter, r *http.Request) {
	if err := h.suppressions.Remove(r.Context(), chi.URLParam(r, "phone")); err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// gatewayView is a gateway configuration with its credentials withheld.
type gatewayView struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Provider  gateway.ProviderType `json:"provider"`
	SenderID  string               `json:"sender_id,omitempty"`
	URL       string               `json:"url,omitempty"`
	Sandbox   bool                 `json:"sandbox"`
	Active    bool                 `json:"active"`
	IsDefault bool                 `json:"is_default"`
	CreatedAt time.Time            `json:"created_at"`
}

func viewOf(cfg gateway.Config) gatewayView {
	return gatewayView{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Provider:  cfg.Provider,
		SenderID:  cfg.SenderID,
		URL:       cfg.URL,
		Sandbox:   cfg.Sandbox,
		Active:    cfg.Active,
		IsDefault: cfg.IsDefault,
		CreatedAt: cfg.CreatedAt,
	}
}

func (h *Handler) createGateway(w http.ResponseWriter, r *http.Request) {
	var cfg gateway.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.respondErr(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		h.respondErr(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	cfg.ID = uuid.NewString()
	cfg.CreatedAt = h.now()
	if err := h.gateways.CreateGateway(r.Context(), cfg); err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	logger := common.WithContext(r.Context(), h.logger)
	logger.Info().
		Str("gateway_id", cfg.ID).
		Str("provider", string(cfg.Provider)).
		Bool("default", cfg.IsDefault).
		Msg("gateway configured")
	respondJSON(w, http.StatusCreated, viewOf(cfg))
}

func (h *Handler) listGateways(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.gateways.ListGateways(r.Context())
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	out := make([]gatewayView, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, viewOf(cfg))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) setDefaultGateway(w http.ResponseWriter, r *http.Request) {
	if err := h.gateways.SetDefaultGateway(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors onto response codes.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	h.respondErr(ctx, w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, campaign.ErrRecipientNotFound),
		errors.Is(err, suppression.ErrNotFound),
		errors.Is(err, gateway.ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrDispatchInProgress),
		errors.Is(err, suppression.ErrAlreadySuppressed):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrEmptyRoster),
		errors.Is(err, campaign.ErrNoGatewayConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidCampaign),
		errors.Is(err, campaign.ErrUnknownAudience),
		errors.Is(err, personalize.ErrUnknownToken),
		errors.Is(err, phone.ErrInvalidPhone),
		errors.Is(err, suppression.ErrUnknownReason):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Int("status", status).Msg("request failed")
	respondJSON(w, status, map[string]string{"error": strings.TrimSpace(err.Error())})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
