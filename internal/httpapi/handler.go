package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"
)

const maxBodyBytes = 1 << 20

// QueueService is the part of the queue engine the HTTP surface drives.
type QueueService interface {
	JoinQueue(ctx context.Context, input queue.JoinInput) (models.Token, error)
	CallNext(ctx context.Context, doctorID string) (models.Token, error)
	StartConsultation(ctx context.Context, tokenID string) (models.Token, error)
	CompleteConsultation(ctx context.Context, tokenID, notes string) (models.Token, models.Consultation, error)
	CancelToken(ctx context.Context, tokenID string) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
	ListQueue(ctx context.Context, doctorID string) ([]models.Token, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error)
}

type Handler struct {
	queue    QueueService
	validate *validator.Validate
	log      zerolog.Logger
	limiter  *RateLimiter
}

type joinQueueRequest struct {
	PatientName  string  `json:"patient_name" validate:"required,min=2,max=120"`
	PatientPhone string  `json:"patient_phone" validate:"required,phone"`
	PatientID    *string `json:"patient_id" validate:"omitempty,uuid"`
}

type completeRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

type completeResponse struct {
	Token        models.Token        `json:"token"`
	Consultation models.Consultation `json:"consultation"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type Options struct {
	Logger zerolog.Logger
	// Limiter throttles per doctor on the doctor routes. Nil disables it.
	Limiter *RateLimiter
}

func NewHandler(queue QueueService, options Options) *Handler {
	return &Handler{
		queue:    queue,
		validate: newValidator(),
		log:      options.Logger,
		limiter:  options.Limiter,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/doctors/{doctorID}", h.handleGetDoctor)
	mux.Handle("POST /api/doctors/{doctorID}/queue", h.perDoctor(h.handleJoinQueue))
	mux.HandleFunc("GET /api/doctors/{doctorID}/queue", h.handleListQueue)
	mux.Handle("POST /api/doctors/{doctorID}/queue/call-next", h.perDoctor(h.handleCallNext))
	mux.HandleFunc("GET /api/tokens/{tokenID}", h.handleGetToken)
	mux.HandleFunc("GET /api/tokens/{tokenID}/events", h.handleTokenEvents)
	mux.HandleFunc("POST /api/tokens/{tokenID}/actions/{action}", h.handleTokenAction)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetDoctor(w http.ResponseWriter, r *http.Request) {
	doctor, err := h.queue.GetDoctor(r.Context(), r.PathValue("doctorID"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doctor)
}

func (h *Handler) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var req joinQueueRequest
	if !h.decodeRequest(w, r, &req, false) {
		return
	}

	token, err := h.queue.JoinQueue(r.Context(), queue.JoinInput{
		DoctorID:     r.PathValue("doctorID"),
		PatientID:    req.PatientID,
		PatientName:  req.PatientName,
		PatientPhone: req.PatientPhone,
	})
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.queue.ListQueue(r.Context(), r.PathValue("doctorID"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	token, err := h.queue.CallNext(r.Context(), r.PathValue("doctorID"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.queue.GetToken(r.Context(), r.PathValue("tokenID"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.queue.ListTokenEvents(r.Context(), r.PathValue("tokenID"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	if events == nil {
		events = []store.TokenEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("tokenID")
	switch r.PathValue("action") {
	case store.ActionStart:
		token, err := h.queue.StartConsultation(r.Context(), tokenID)
		if err != nil {
			h.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, token)
	case store.ActionComplete:
		var req completeRequest
		if !h.decodeRequest(w, r, &req, true) {
			return
		}
		token, consultation, err := h.queue.CompleteConsultation(r.Context(), tokenID, strings.TrimSpace(req.Notes))
		if err != nil {
			h.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, completeResponse{Token: token, Consultation: consultation})
	case store.ActionCancel:
		token, err := h.queue.CancelToken(r.Context(), tokenID)
		if err != nil {
			h.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, token)
	default:
		writeError(w, requestIDFrom(r.Context()), http.StatusNotFound, "unknown_action", "unknown token action")
	}
}

// perDoctor applies the per-doctor limiter once the route has resolved {doctorID}.
func (h *Handler) perDoctor(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.AllowDoctor(r.PathValue("doctorID")) {
			writeError(w, requestIDFrom(r.Context()), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	})
}

// decodeRequest reads a JSON body into target and validates it. An empty
// body is accepted only when optional is set.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}, optional bool) bool {
	requestID := requestIDFrom(r.Context())
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return false
		}
	}
	if req, ok := target.(*joinQueueRequest); ok {
		req.PatientName = strings.TrimSpace(req.PatientName)
		req.PatientPhone = strings.TrimSpace(req.PatientPhone)
		if req.PatientID != nil {
			trimmed := strings.TrimSpace(*req.PatientID)
			req.PatientID = &trimmed
			if trimmed == "" {
				req.PatientID = nil
			}
		}
	}
	if err := h.validate.Struct(target); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			RequestID: requestID,
			Error: responseError{
				Code:    "invalid_request",
				Message: "request validation failed",
				Fields:  validationMessages(err),
			},
		})
		return false
	}
	return true
}

func (h *Handler) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, requestIDFrom(r.Context()), status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrDoctorNotFound):
		return http.StatusNotFound, "doctor_not_found", "doctor not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no patients are waiting"
	case errors.Is(err, store.ErrDoctorBusy):
		return http.StatusConflict, "doctor_busy", "doctor already has a patient called or in consultation"
	case errors.Is(err, store.ErrDoctorUnavailable):
		return http.StatusConflict, "doctor_unavailable", "doctor is not accepting patients"
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", "request is invalid"
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable, "store_unavailable", "queue is busy, try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
