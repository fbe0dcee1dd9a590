/*
handlers.go - Settlement gateway HTTP handlers

PURPOSE:
  The thin authorization + validation boundary in front of the order
  lifecycle engine. Handlers parse HTTP, check who the actor is, and
  forward to the engine; the side effects are exactly the engine's.
  This layer holds no state of its own.

ENDPOINTS:
  Buyer:
    POST   /api/orders                      Create order (checkout entry)
    GET    /api/orders/{id}                 Poll current status (notifier)
    POST   /api/orders/{id}/proof           Upload proof of payment
    POST   /api/orders/{id}/cancel          Abandon before proof
    GET    /api/membership                  Own entitlement

  Admin:
    GET    /api/admin/orders?status=        Review queue
    GET    /api/admin/orders/{id}           Full order detail
    GET    /api/admin/orders/{id}/audit     Transition history
    PATCH  /api/admin/orders/{id}/decision  approve | reject | refund
    POST   /api/admin/orders/{id}/refund/settle
    GET    /api/admin/reports/revenue       Counts, revenue, success rate

ERROR HANDLING:
  Engine errors map onto HTTP status:
  - 400: validation (bad proof, missing notes, bad amounts)
  - 404: unknown order
  - 403: wrong actor
  - 409: invalid transition or lost compare-and-swap race
  - 422: tier policy violation
  - 500: everything else

SEE ALSO:
  - auth.go: Actor resolution
  - order/engine.go: The operations these forward to
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/order"
	"github.com/warp/settlement-engine/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *order.Engine
	Reporter *report.Reporter
	Vault    ProofVault
}

// NewHandler creates a handler around the engine.
func NewHandler(engine *order.Engine, reporter *report.Reporter, vault ProofVault) *Handler {
	return &Handler{Engine: engine, Reporter: reporter, Vault: vault}
}

// =============================================================================
// BUYER ENDPOINTS
// =============================================================================

// CreateOrder seeds a new order for the authenticated buyer.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	o, err := h.Engine.NewOrder(r.Context(), actor.ID,
		order.Tier(req.Tier), req.DurationMonths, req.AmountCents, order.Channel(req.Channel))
	if err != nil {
		writeEngineError(w, "Failed to create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(o))
}

// GetOrderStatus answers the polling client with the authoritative
// status. No caching: staleness never exceeds the store's own read
// consistency, because the buyer uses this to decide when to stop
// polling.
// GET /api/orders/{id}
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(o))
}

// SubmitProof accepts the multipart proof upload and moves the order
// to AWAITING_REVIEW.
// POST /api/orders/{id}/proof
func (h *Handler) SubmitProof(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}

	// Ceiling with slack for the multipart envelope; the engine
	// enforces the exact file-size limit.
	r.Body = http.MaxBytesReader(w, r.Body, (5<<20)+(512<<10))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Upload too large or malformed", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing proof file", err)
		return
	}
	defer file.Close()

	ref, size, err := h.Vault.Save(o.ID, header.Filename, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store proof file", err)
		return
	}

	proof := order.Proof{
		FileRef:              ref,
		FileType:             header.Header.Get("Content-Type"),
		FileSizeBytes:        size,
		TransactionReference: r.FormValue("transaction_reference"),
		Remark:               r.FormValue("remark"),
	}

	updated, err := h.Engine.SubmitProof(r.Context(), o.ID, proof)
	if err != nil {
		// The stored bytes must not outlive a failed submission.
		_ = h.Vault.Discard(ref)
		writeEngineError(w, "Failed to submit proof", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(updated))
}

// CancelOrder abandons a CREATED order.
// POST /api/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOwnedOrder(w, r)
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())

	updated, err := h.Engine.Cancel(r.Context(), o.ID, actor.ID)
	if err != nil {
		writeEngineError(w, "Failed to cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(updated))
}

// GetMembership returns the buyer's current entitlement.
// GET /api/membership
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	m, err := h.Engine.Membership(r.Context(), actor.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read membership", err)
		return
	}
	dto := MembershipDTO{OwnerID: actor.ID, Tier: string(order.TierNone)}
	if m != nil {
		dto.Tier = string(m.Tier)
		if m.ExpiresAt != nil {
			s := m.ExpiresAt.UTC().Format(time.RFC3339)
			dto.ExpiresAt = &s
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// loadOwnedOrder fetches the order and enforces that the actor owns it
// (admins pass). Writes the error response itself on failure.
func (h *Handler) loadOwnedOrder(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	id := chi.URLParam(r, "id")
	o, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load order", err)
		return nil, false
	}
	actor, _ := ActorFromContext(r.Context())
	if !actor.IsAdmin() && !actor.Owns(o.OwnerID) {
		writeError(w, http.StatusForbidden, "Not your order", order.ErrAuthorization)
		return nil, false
	}
	return o, true
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ListOrders returns the review queue (or any status bucket).
// GET /api/admin/orders?status=AWAITING_REVIEW&limit=50
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := order.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = order.StatusAwaitingReview
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	orders, err := h.Engine.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list orders", err)
		return
	}
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOrder returns the full order detail.
// GET /api/admin/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to load order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// GetAuditTrail returns the order's transition history.
// GET /api/admin/orders/{id}/audit
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load audit trail", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			OrderID:    e.OrderID,
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			Actor:      e.Actor,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
			Notes:      e.Notes,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Decide applies an administrator decision: approve, reject, or
// initiate a refund.
// PATCH /api/admin/orders/{id}/decision
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	var o *order.Order
	var err error
	switch req.Action {
	case ActionApprove:
		o, err = h.Engine.Approve(r.Context(), id, actor.ID)
	case ActionReject:
		o, err = h.Engine.Reject(r.Context(), id, actor.ID, req.Notes)
	case ActionRefund:
		o, err = h.Engine.InitiateRefund(r.Context(), id, actor.ID, req.RefundAmountCents, req.Notes)
	default:
		writeError(w, http.StatusBadRequest, "Unknown action: "+req.Action, nil)
		return
	}
	if err != nil {
		writeEngineError(w, "Decision failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// SettleRefund completes a pending refund.
// POST /api/admin/orders/{id}/refund/settle
func (h *Handler) SettleRefund(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.SettleRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to settle refund", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// GetRevenueReport serves counts per status, revenue sums, and the
// payment success rate over a date range.
// GET /api/admin/reports/revenue?from=2026-01-01T00:00:00Z&to=...
func (h *Handler) GetRevenueReport(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from parameter", err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to parameter", err)
		return
	}

	summary, err := h.Reporter.Revenue(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute report", err)
		return
	}
	writeJSON(w, http.StatusOK, toRevenueSummaryDTO(summary))
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the engine's error taxonomy onto HTTP status.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, order.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, order.ErrPolicyViolation):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, message, err)
}
