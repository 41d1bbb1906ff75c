// Package api exposes the engine over HTTP. Reviewer identity arrives on
// X-Reviewer-ID / X-Reviewer-Role headers, already authenticated by the
// session collaborator upstream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundflow/reviewops/internal/domain"
	"github.com/fundflow/reviewops/internal/store"
	"github.com/fundflow/reviewops/internal/workflow"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store  store.Store
	engine *workflow.Engine
	log    *zap.SugaredLogger
}

func NewHandler(st store.Store, engine *workflow.Engine, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{store: st, engine: engine, log: logger}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.instrument)
	v1.HandleFunc("/requests", h.SubmitRequest).Methods("POST")
	v1.HandleFunc("/requests", h.ListRequests).Methods("GET")
	v1.HandleFunc("/requests/{id}", h.GetRequest).Methods("GET")
	v1.HandleFunc("/requests/{id}/transition", h.TransitionRequest).Methods("POST")
	v1.HandleFunc("/balances/{userID}/{currency}", h.GetBalance).Methods("GET")
	v1.HandleFunc("/audit", h.ListAudit).Methods("GET")
	v1.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	v1.HandleFunc("/notifications/{id}/read", h.MarkNotificationRead).Methods("POST")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitPayload struct {
	Kind                string          `json:"kind"`
	UserID              string          `json:"user_id"`
	Currency            string          `json:"currency"`
	Amount              decimal.Decimal `json:"amount"`
	ProofRef            string          `json:"proof_ref"`
	Network             string          `json:"network"`
	TxHash              string          `json:"tx_hash"`
	ToAddress           string          `json:"to_address"`
	Fee                 decimal.Decimal `json:"fee"`
	InterestRate        decimal.Decimal `json:"interest_rate"`
	RepaymentPeriodDays int             `json:"repayment_period_days"`
	LoanID              string          `json:"loan_id"`
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondMessage(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	in := workflow.SubmitInput{
		Kind:                domain.RequestKind(payload.Kind),
		UserID:              payload.UserID,
		Currency:            payload.Currency,
		Amount:              payload.Amount,
		ProofRef:            payload.ProofRef,
		Network:             payload.Network,
		TxHash:              payload.TxHash,
		ToAddress:           payload.ToAddress,
		Fee:                 payload.Fee,
		InterestRate:        payload.InterestRate,
		RepaymentPeriodDays: payload.RepaymentPeriodDays,
	}
	if payload.LoanID != "" {
		loanID, err := uuid.Parse(payload.LoanID)
		if err != nil {
			respondMessage(w, http.StatusBadRequest, "invalid loan_id")
			return
		}
		in.LoanID = loanID
	}

	req, err := h.engine.Submit(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, req)
}

type transitionPayload struct {
	TargetStatus   string           `json:"target_status"`
	Note           string           `json:"note"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount"`
}

func (h *Handler) TransitionRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid request id")
		return
	}

	reviewerID := r.Header.Get("X-Reviewer-ID")
	if reviewerID == "" {
		respondMessage(w, http.StatusUnauthorized, "reviewer identity required")
		return
	}
	reviewer := domain.Reviewer{
		ID:   reviewerID,
		Role: domain.Role(r.Header.Get("X-Reviewer-Role")),
	}

	var payload transitionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondMessage(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	req, err := h.engine.Transition(r.Context(), id, domain.Status(payload.TargetStatus), reviewer, payload.Note, payload.ApprovedAmount)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, req)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, req)
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RequestFilter{
		Kind:   domain.RequestKind(q.Get("kind")),
		Status: domain.Status(q.Get("status")),
		UserID: q.Get("user_id"),
	}
	reqs, err := h.store.ListRequests(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, reqs)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	balance, err := h.store.GetBalance(r.Context(), vars["userID"], vars["currency"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, balance)
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		EntityType: q.Get("entity_type"),
		NewStatus:  domain.Status(q.Get("status")),
	}
	if raw := q.Get("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondMessage(w, http.StatusBadRequest, "invalid entity_id")
			return
		}
		filter.EntityID = id
	}
	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(param); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				respondMessage(w, http.StatusBadRequest, "invalid "+param+" timestamp, want RFC3339")
				return
			}
			*dst = t
		}
	}

	actions, err := h.store.ListAudit(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, actions)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	notifs, err := h.store.ListNotifications(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, notifs)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	if err := h.store.MarkNotificationRead(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

// response is the envelope every endpoint returns.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, payload response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondData(w http.ResponseWriter, code int, data any) {
	respondJSON(w, code, response{Success: true, Data: data})
}

func respondMessage(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, response{Success: code < 400, Message: message})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Errorw("request failed", "error", err)
		respondMessage(w, code, "internal server error")
		return
	}
	respondMessage(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
