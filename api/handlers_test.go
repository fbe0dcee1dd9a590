package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/entitlement"
	"github.com/warp/settlement-engine/order"
	"github.com/warp/settlement-engine/order/store"
	"github.com/warp/settlement-engine/report"
)

// =============================================================================
// FIXTURE
// =============================================================================

const (
	adminToken = "tok-admin"
	buyerToken = "tok-buyer"
	otherToken = "tok-other"
)

type fixture struct {
	router http.Handler
	engine *order.Engine
	mem    *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	start := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var tick int64
	engine := order.NewEngine(mem, entitlement.NewCalculator()).WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return start.Add(time.Duration(tick) * time.Millisecond)
	})

	vault, err := api.NewDirVault(t.TempDir())
	require.NoError(t, err)

	h := api.NewHandler(engine, report.NewReporter(mem), vault)
	auth := api.NewStaticAuthenticator(map[string]api.Actor{
		adminToken: {ID: "admin-1", Role: api.RoleAdmin},
		buyerToken: {ID: "buyer-1", Role: api.RoleBuyer},
		otherToken: {ID: "buyer-2", Role: api.RoleBuyer},
	})
	return &fixture{router: api.NewRouter(h, auth), engine: engine, mem: mem}
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doJSON(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	return f.do(t, method, path, token, body, "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out),
		"body: %s", rec.Body.String())
	return out
}

// createOrder creates an order through the API as the buyer.
func (f *fixture) createOrder(t *testing.T) api.OrderDTO {
	t.Helper()
	rec := f.doJSON(t, http.MethodPost, "/api/orders", buyerToken, api.CreateOrderRequest{
		Tier: "premium", DurationMonths: 1, AmountCents: 9900, Channel: "alipay",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.OrderDTO](t, rec)
}

// proofBody builds a multipart upload with the given part content type.
func proofBody(t *testing.T, fileType string, payload []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="receipt.png"`)
	hdr.Set("Content-Type", fileType)
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)

	require.NoError(t, w.WriteField("transaction_reference", "alipay-tx-889"))
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (f *fixture) submitProof(t *testing.T, id string) api.OrderDTO {
	t.Helper()
	body, ct := proofBody(t, "image/png", []byte("png-bytes"))
	rec := f.do(t, http.MethodPost, "/api/orders/"+id+"/proof", buyerToken, body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.OrderDTO](t, rec)
}

// =============================================================================
// AUTHENTICATION / AUTHORIZATION
// =============================================================================

func TestAPI_MissingTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)

	rec := f.doJSON(t, http.MethodPost, "/api/orders", "", api.CreateOrderRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/membership", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_UnknownTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/membership", "tok-forged", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_BuyerCannotReachAdminSurface(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	f.submitProof(t, o.ID)

	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", buyerToken,
		api.DecideRequest{Action: api.ActionApprove})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/orders/", buyerToken, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/reports/revenue", buyerToken, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The order is untouched.
	got, err := f.engine.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAwaitingReview, got.Status)
}

func TestAPI_NonOwnerCannotTouchOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	body, ct := proofBody(t, "image/png", []byte("png-bytes"))
	rec := f.do(t, http.MethodPost, "/api/orders/"+o.ID+"/proof", otherToken, body, ct)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/orders/"+o.ID, otherToken, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", otherToken, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_AdminCanReadAnyOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	rec := f.do(t, http.MethodGet, "/api/orders/"+o.ID, adminToken, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// BUYER FLOW
// =============================================================================

func TestAPI_CreateOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	assert.True(t, strings.HasPrefix(o.ID, "ord-"), "id %q", o.ID)
	assert.Equal(t, "buyer-1", o.OwnerID)
	assert.Equal(t, string(order.StatusCreated), o.Status)
}

func TestAPI_CreateOrder_BadBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/orders", buyerToken,
		strings.NewReader("{not json"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.doJSON(t, http.MethodPost, "/api/orders", buyerToken, api.CreateOrderRequest{
		Tier: "gold", DurationMonths: 1, AmountCents: 9900, Channel: "alipay",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SubmitProof(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	updated := f.submitProof(t, o.ID)
	assert.Equal(t, string(order.StatusAwaitingReview), updated.Status)
	require.NotNil(t, updated.Proof)
	assert.Equal(t, "image/png", updated.Proof.FileType)
	assert.Equal(t, "alipay-tx-889", updated.Proof.TransactionReference)
}

func TestAPI_SubmitProof_DisallowedType(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	body, ct := proofBody(t, "application/pdf", []byte("%PDF"))
	rec := f.do(t, http.MethodPost, "/api/orders/"+o.ID+"/proof", buyerToken, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := f.engine.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, got.Status)
	assert.Nil(t, got.Proof)
}

func TestAPI_StatusHidesDecisionUntilFinal(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	f.submitProof(t, o.ID)

	rec := f.do(t, http.MethodGet, "/api/orders/"+o.ID, buyerToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[api.StatusDTO](t, rec)
	assert.False(t, status.Terminal)
	assert.Nil(t, status.Decision)

	rec = f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionReject, Notes: "amount mismatch"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/orders/"+o.ID, buyerToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status = decode[api.StatusDTO](t, rec)
	assert.True(t, status.Terminal)
	require.NotNil(t, status.Decision)
	assert.Equal(t, "amount mismatch", status.Decision.Notes)
}

func TestAPI_CancelOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	rec := f.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", buyerToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[api.OrderDTO](t, rec)
	assert.Equal(t, string(order.StatusCancelled), got.Status)

	// Cancelling again is a state conflict.
	rec = f.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", buyerToken, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_Membership(t *testing.T) {
	f := newFixture(t)

	// Before any settlement: tier is empty, no expiry.
	rec := f.do(t, http.MethodGet, "/api/membership", buyerToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[api.MembershipDTO](t, rec)
	assert.Equal(t, "buyer-1", m.OwnerID)
	assert.Empty(t, m.Tier)
	assert.Nil(t, m.ExpiresAt)

	o := f.createOrder(t)
	f.submitProof(t, o.ID)
	rec = f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionApprove})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/membership", buyerToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	m = decode[api.MembershipDTO](t, rec)
	assert.Equal(t, "premium", m.Tier)
	require.NotNil(t, m.ExpiresAt)
}

// =============================================================================
// ADMIN FLOW
// =============================================================================

func TestAPI_ReviewQueueDefaultsToAwaitingReview(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t) // stays CREATED
	o := f.createOrder(t)
	f.submitProof(t, o.ID)

	rec := f.do(t, http.MethodGet, "/api/admin/orders/", adminToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[[]api.OrderDTO](t, rec)
	require.Len(t, queue, 1)
	assert.Equal(t, o.ID, queue[0].ID)
}

func TestAPI_Decide_UnknownAction(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: "escalate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Decide_RejectWithoutNotes(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	f.submitProof(t, o.ID)

	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionReject})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Decide_ApproveBeforeProofIsConflict(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionApprove})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_RefundLifecycle(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	f.submitProof(t, o.ID)

	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionApprove})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionRefund, Notes: "buyer churned"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[api.OrderDTO](t, rec)
	assert.Equal(t, string(order.StatusRefundPending), got.Status)
	require.NotNil(t, got.Refund)
	assert.Equal(t, int64(9900), got.Refund.AmountCents, "empty amount means full refund")

	rec = f.do(t, http.MethodPost, "/api/admin/orders/"+o.ID+"/refund/settle", adminToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[api.OrderDTO](t, rec)
	assert.Equal(t, string(order.StatusRefunded), got.Status)
	require.NotNil(t, got.Refund.SettledAt)

	// The full refund took the membership with it.
	rec = f.do(t, http.MethodGet, "/api/membership", buyerToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[api.MembershipDTO](t, rec)
	assert.Empty(t, m.Tier)
	assert.Nil(t, m.ExpiresAt)
}

func TestAPI_Decide_RefundAmountOutOfRange(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	f.submitProof(t, o.ID)
	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionApprove})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionRefund, Notes: "too much", RefundAmountCents: 99_000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AuditTrail(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	f.submitProof(t, o.ID)
	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionApprove})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/orders/"+o.ID+"/audit", adminToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[[]api.AuditEntryDTO](t, rec)
	require.Len(t, trail, 2)
	assert.Equal(t, string(order.StatusCreated), trail[0].FromStatus)
	assert.Equal(t, string(order.StatusSettled), trail[1].ToStatus)
	assert.Equal(t, "admin-1", trail[1].Actor)
}

func TestAPI_RevenueReport(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	f.submitProof(t, o.ID)
	rec := f.doJSON(t, http.MethodPatch, "/api/admin/orders/"+o.ID+"/decision", adminToken,
		api.DecideRequest{Action: api.ActionApprove})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/reports/revenue", adminToken, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[api.RevenueSummaryDTO](t, rec)
	assert.Equal(t, int64(9900), summary.TotalRevenueCents)
	assert.Equal(t, int64(9900), summary.NetRevenueCents)
	assert.Equal(t, "1", summary.SuccessRate)
	assert.Equal(t, int64(1), summary.CountsByStatus[string(order.StatusSettled)])
}

func TestAPI_RevenueReport_BadTimeParam(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/admin/reports/revenue?from=yesterday", adminToken, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UnknownOrderIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/orders/ord-missing", buyerToken, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.doJSON(t, http.MethodPatch, "/api/admin/orders/ord-missing/decision", adminToken,
		api.DecideRequest{Action: api.ActionApprove})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
