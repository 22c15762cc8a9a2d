package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wakala/payments/internal/deadletter"
	"github.com/wakala/payments/internal/domain"
	"github.com/wakala/payments/internal/health"
	"github.com/wakala/payments/internal/processor"
	"github.com/wakala/payments/internal/repository"
	"github.com/wakala/payments/internal/webhook"
)

// SignatureHeader carries the gateway's HMAC over the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	proc       *processor.TransactionProcessor
	reconciler *webhook.Reconciler
	dlqSvc     *deadletter.Service
	dlqRepo    *repository.DeadLetterRepo
	txnRepo    *repository.TransactionRepo
	tracker    *health.Tracker
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- InitiatePayment ---

func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req processor.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	tx, err := h.proc.Initiate(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, tx)
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable):
		// The transaction exists in initiated; the caller may retry later
		// without having consumed any retry budget.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":       err.Error(),
			"transaction": tx,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- GetPayment ---

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.txnRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history, err := h.txnRepo.History(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"history":     history,
	})
}

// --- CancelPayment ---

func (h *Handlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by caller"
	}

	tx, err := h.proc.Cancel(r.Context(), id, body.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tx)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, domain.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- ReceiveWebhook ---

// ReceiveWebhook accepts a gateway confirmation callback. It answers 2xx
// whenever the payload was structurally accepted, even when reconciliation
// later discards it, so providers with at-least-once delivery stop retrying.
func (h *Handlers) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	gw := domain.GatewayType(chi.URLParam(r, "gateway"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	err = h.reconciler.Apply(r.Context(), gw, body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case errors.Is(err, domain.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- ListDeadLetters ---

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DeadLetterFilter{
		TransactionID: q.Get("transaction_id"),
		Unresolved:    q.Get("unresolved") == "true",
		Page:          parseIntDefault(q.Get("page"), 1),
		Limit:         parseIntDefault(q.Get("limit"), 50),
	}

	entries, total, err := h.dlqRepo.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

// --- ResolveDeadLetter ---

func (h *Handlers) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !domain.ValidResolution(body.Resolution) {
		writeError(w, http.StatusBadRequest, "resolution must be one of: retried, written_off, refunded")
		return
	}

	entry, err := h.dlqSvc.Resolve(r.Context(), id, domain.Resolution(body.Resolution))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, entry)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, domain.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- GetGatewayHealth ---

func (h *Handlers) GetGatewayHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"gateways": h.tracker.Snapshot()})
}
