/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECISION PAYLOAD:
  The administrator decision is a closed set of tagged actions
  (approve | reject | refund), each with its own required-field
  contract, rather than one loosely-typed body object.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/settlement-engine/order"
	"github.com/warp/settlement-engine/report"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateOrderRequest seeds a new order (the buyer checkout surface).
type CreateOrderRequest struct {
	Tier           string `json:"tier"`
	DurationMonths int    `json:"duration_months"`
	AmountCents    int64  `json:"amount_cents"`
	Channel        string `json:"channel"`
}

// DecideRequest is the admin decision payload. Action selects the
// contract: reject and refund require notes; refund_amount_cents is
// refund-only and defaults to the full amount.
type DecideRequest struct {
	Action            string `json:"action"`
	Notes             string `json:"notes,omitempty"`
	RefundAmountCents int64  `json:"refund_amount_cents,omitempty"`
}

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionRefund  = "refund"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// OrderDTO is the full order view. Decision and refund metadata appear
// once the order is decided.
type OrderDTO struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id"`
	Tier           string       `json:"tier"`
	DurationMonths int          `json:"duration_months"`
	AmountCents    int64        `json:"amount_cents"`
	Channel        string       `json:"channel"`
	Status         string       `json:"status"`
	Proof          *ProofDTO    `json:"proof,omitempty"`
	Decision       *DecisionDTO `json:"decision,omitempty"`
	Refund         *RefundDTO   `json:"refund,omitempty"`
	CreatedAt      string       `json:"created_at"`
	UpdatedAt      string       `json:"updated_at"`
}

type ProofDTO struct {
	FileRef              string `json:"file_ref"`
	FileType             string `json:"file_type"`
	FileSizeBytes        int64  `json:"file_size_bytes"`
	UploadedAt           string `json:"uploaded_at"`
	TransactionReference string `json:"transaction_reference,omitempty"`
	Remark               string `json:"remark,omitempty"`
}

type DecisionDTO struct {
	AdminID   string `json:"admin_id"`
	Notes     string `json:"notes,omitempty"`
	DecidedAt string `json:"decided_at"`
}

type RefundDTO struct {
	AmountCents int64   `json:"amount_cents"`
	Reason      string  `json:"reason"`
	InitiatedBy string  `json:"initiated_by"`
	InitiatedAt string  `json:"initiated_at"`
	SettledAt   *string `json:"settled_at,omitempty"`
}

// StatusDTO is the minimal polling view served by the status notifier.
type StatusDTO struct {
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	Terminal bool         `json:"terminal"`
	Decision *DecisionDTO `json:"decision,omitempty"`
	Refund   *RefundDTO   `json:"refund,omitempty"`
}

// MembershipDTO is the owner's current entitlement.
type MembershipDTO struct {
	OwnerID   string  `json:"owner_id"`
	Tier      string  `json:"tier"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// AuditEntryDTO is one transition record.
type AuditEntryDTO struct {
	OrderID    string `json:"order_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Actor      string `json:"actor"`
	Timestamp  string `json:"timestamp"`
	Notes      string `json:"notes,omitempty"`
}

// RevenueSummaryDTO is the admin reporting view.
type RevenueSummaryDTO struct {
	From              string           `json:"from,omitempty"`
	To                string           `json:"to,omitempty"`
	CountsByStatus    map[string]int64 `json:"counts_by_status"`
	TotalRevenueCents int64            `json:"total_revenue_cents"`
	RefundedCents     int64            `json:"refunded_cents"`
	NetRevenueCents   int64            `json:"net_revenue_cents"`
	SuccessRate       string           `json:"success_rate"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toOrderDTO(o *order.Order) OrderDTO {
	dto := OrderDTO{
		ID:             o.ID,
		OwnerID:        o.OwnerID,
		Tier:           string(o.Tier),
		DurationMonths: o.DurationMonths,
		AmountCents:    o.AmountCents,
		Channel:        string(o.Channel),
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      o.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if o.Proof != nil {
		dto.Proof = &ProofDTO{
			FileRef:              o.Proof.FileRef,
			FileType:             o.Proof.FileType,
			FileSizeBytes:        o.Proof.FileSizeBytes,
			UploadedAt:           o.Proof.UploadedAt.UTC().Format(time.RFC3339),
			TransactionReference: o.Proof.TransactionReference,
			Remark:               o.Proof.Remark,
		}
	}
	dto.Decision = toDecisionDTO(o.Decision)
	dto.Refund = toRefundDTO(o.Refund)
	return dto
}

func toDecisionDTO(d *order.Decision) *DecisionDTO {
	if d == nil {
		return nil
	}
	return &DecisionDTO{
		AdminID:   d.AdminID,
		Notes:     d.Notes,
		DecidedAt: d.DecidedAt.UTC().Format(time.RFC3339),
	}
}

func toRefundDTO(r *order.Refund) *RefundDTO {
	if r == nil {
		return nil
	}
	dto := &RefundDTO{
		AmountCents: r.AmountCents,
		Reason:      r.Reason,
		InitiatedBy: r.InitiatedBy,
		InitiatedAt: r.InitiatedAt.UTC().Format(time.RFC3339),
	}
	if r.SettledAt != nil {
		s := r.SettledAt.UTC().Format(time.RFC3339)
		dto.SettledAt = &s
	}
	return dto
}

// toStatusDTO hides everything the polling buyer does not need until
// the order is decided.
func toStatusDTO(o *order.Order) StatusDTO {
	dto := StatusDTO{
		ID:       o.ID,
		Status:   string(o.Status),
		Terminal: o.Status.IsFinalForBuyer(),
	}
	if dto.Terminal {
		dto.Decision = toDecisionDTO(o.Decision)
		dto.Refund = toRefundDTO(o.Refund)
	}
	return dto
}

func toRevenueSummaryDTO(s *report.RevenueSummary) RevenueSummaryDTO {
	dto := RevenueSummaryDTO{
		CountsByStatus:    make(map[string]int64, len(s.CountsByStatus)),
		TotalRevenueCents: s.TotalRevenueCents,
		RefundedCents:     s.RefundedCents,
		NetRevenueCents:   s.NetRevenueCents,
		SuccessRate:       s.SuccessRate.String(),
	}
	if !s.From.IsZero() {
		dto.From = s.From.UTC().Format(time.RFC3339)
	}
	if !s.To.IsZero() {
		dto.To = s.To.UTC().Format(time.RFC3339)
	}
	for status, n := range s.CountsByStatus {
		dto.CountsByStatus[string(status)] = n
	}
	return dto
}
