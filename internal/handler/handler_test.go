package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/dealdesk-system/internal/gateway"
	"github.com/mmeshcher/dealdesk-system/internal/middleware"
	"github.com/mmeshcher/dealdesk-system/internal/model"
	"github.com/mmeshcher/dealdesk-system/internal/repository"
	"github.com/mmeshcher/dealdesk-system/internal/service"
)

type stubService struct {
	createDealResp *model.Deal
	createDealErr  error

	getDealResp    *model.Deal
	getDealHistory []model.DealStatusChange
	getDealErr     error

	listDealsResp []model.Deal
	listDealsErr  error

	assignResp *model.Deal
	assignErr  error

	approveResp *model.Deal
	approveErr  error

	updateStatusResp *model.Deal
	updateStatusErr  error

	checkoutResp *service.CheckoutResult
	checkoutErr  error

	webhookErr error

	refundResp *model.Deal
	refundErr  error

	listLedgerResp []model.LedgerEntry
	listLedgerErr  error

	approveLedgerUpdated int64
	approveLedgerErr     error

	exportCSV string
	exportErr error
}

func (s *stubService) CreateDealFromIntake(ctx context.Context, intakeID string, requestedProviderUserID *string, actorID, requestID string) (*model.Deal, error) {
	return s.createDealResp, s.createDealErr
}

func (s *stubService) GetDeal(ctx context.Context, id string) (*model.Deal, []model.DealStatusChange, error) {
	return s.getDealResp, s.getDealHistory, s.getDealErr
}

func (s *stubService) ListDeals(ctx context.Context, status *model.DealStatus, intakeID *string, limit, offset int) ([]model.Deal, int, int, error) {
	return s.listDealsResp, limit, offset, s.listDealsErr
}

func (s *stubService) AssignDeal(ctx context.Context, dealID, providerUserID, maestroUserID, note, actorID, requestID string) (*model.Deal, error) {
	return s.assignResp, s.assignErr
}

func (s *stubService) ApproveDeal(ctx context.Context, dealID, note, actorID, requestID string) (*model.Deal, error) {
	return s.approveResp, s.approveErr
}

func (s *stubService) UpdateDealStatus(ctx context.Context, dealID string, to model.DealStatus, note, actorID, requestID string) (*model.Deal, error) {
	return s.updateStatusResp, s.updateStatusErr
}

func (s *stubService) Checkout(ctx context.Context, dealID, actorID, requestID string) (*service.CheckoutResult, error) {
	return s.checkoutResp, s.checkoutErr
}

func (s *stubService) HandleStripeWebhook(ctx context.Context, payload []byte, signature, requestID string) error {
	return s.webhookErr
}

func (s *stubService) Refund(ctx context.Context, dealID, reason string, confirm bool, actorID, requestID string) (*model.Deal, error) {
	return s.refundResp, s.refundErr
}

func (s *stubService) ListLedgerEntries(ctx context.Context, status *model.LedgerEntryStatus, dealID *string, limit, offset int) ([]model.LedgerEntry, int, int, error) {
	return s.listLedgerResp, limit, offset, s.listLedgerErr
}

func (s *stubService) ApproveLedgerEntries(ctx context.Context, entryIDs []string, confirm bool, actorID, requestID string) (int64, error) {
	return s.approveLedgerUpdated, s.approveLedgerErr
}

func (s *stubService) ExportLedgerCSV(ctx context.Context, status *model.LedgerEntryStatus) (string, error) {
	return s.exportCSV, s.exportErr
}

func testDeal(status model.DealStatus) *model.Deal {
	now := time.Now().UTC()
	return &model.Deal{
		ID:        "deal-1",
		IntakeID:  "intake-1",
		OfferSlug: "course-basic",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestRouter(t *testing.T, svc Service) (http.Handler, *middleware.AuthMiddleware) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, logger, auth)

	return h.SetupRouter(prometheus.NewRegistry()), auth
}

func authedRequest(t *testing.T, auth *middleware.AuthMiddleware, role string, method, target string, body []byte) *http.Request {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, "operator-1", role)
	req.AddCookie(rec.Result().Cookies()[0])

	return req
}

func TestCreateDeal_Created(t *testing.T) {
	svc := &stubService{
		createDealResp: testDeal(model.DealStatusQueued),
	}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(createDealRequest{IntakeID: "intake-1"})
	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodPost, "/api/v1/deals", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp dealResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(model.DealStatusQueued) {
		t.Fatalf("deal status = %q, want %q", resp.Status, model.DealStatusQueued)
	}
}

func TestCreateDeal_ConflictOnDuplicateIntake(t *testing.T) {
	svc := &stubService{
		createDealErr: repository.ErrDealExists,
	}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(createDealRequest{IntakeID: "intake-1"})
	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodPost, "/api/v1/deals", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestCreateDeal_IntakeNotFound(t *testing.T) {
	svc := &stubService{
		createDealErr: repository.ErrIntakeNotFound,
	}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(createDealRequest{IntakeID: "missing"})
	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodPost, "/api/v1/deals", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestPatchDeal_PaymentManagedStatusRejected(t *testing.T) {
	svc := &stubService{
		updateStatusErr: &service.PreconditionError{Reason: service.ReasonPaymentManagedExternally},
	}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(patchDealRequest{Action: "status", Status: "PAID"})
	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodPatch, "/api/v1/deals/deal-1", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPreconditionFailed)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Reason != service.ReasonPaymentManagedExternally {
		t.Fatalf("reason = %q, want %q", resp.Reason, service.ReasonPaymentManagedExternally)
	}
}

func TestPatchDeal_UnknownStatusRejected(t *testing.T) {
	svc := &stubService{}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(patchDealRequest{Action: "status", Status: "SHIPPED"})
	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodPatch, "/api/v1/deals/deal-1", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestCheckout_Created(t *testing.T) {
	svc := &stubService{
		checkoutResp: &service.CheckoutResult{
			CheckoutURL: "https://checkout.stripe.com/c/pay/cs_test_1",
			Payment: &model.DealPayment{
				ID:                "payment-1",
				DealID:            "deal-1",
				ProviderSessionID: "cs_test_1",
				Status:            model.PaymentStatusPending,
				AmountCents:       25000,
				Currency:          "usd",
			},
		},
	}
	router, auth := newTestRouter(t, svc)

	req := authedRequest(t, auth, middleware.RoleMaestro, http.MethodPost, "/api/v1/deals/deal-1/checkout", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CheckoutURL == "" {
		t.Fatalf("checkout URL is empty")
	}
	if resp.Payment.Status != string(model.PaymentStatusPending) {
		t.Fatalf("payment status = %q, want %q", resp.Payment.Status, model.PaymentStatusPending)
	}
}

func TestRefund_ConfirmRequired(t *testing.T) {
	svc := &stubService{
		refundErr: &service.PreconditionError{Reason: service.ReasonConfirmRequired},
	}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(refundRequest{Reason: "customer request"})
	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodPost, "/api/v1/deals/deal-1/refund", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPreconditionFailed)
	}
}

func TestRefund_ForbiddenForMaestro(t *testing.T) {
	svc := &stubService{
		refundResp: testDeal(model.DealStatusRefunded),
	}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(refundRequest{Reason: "customer request", Confirm: true})
	req := authedRequest(t, auth, middleware.RoleMaestro, http.MethodPost, "/api/v1/deals/deal-1/refund", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	svc := &stubService{
		webhookErr: gateway.ErrInvalidSignature,
	}
	router, _ := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestStripeWebhook_OK(t *testing.T) {
	svc := &stubService{}
	router, _ := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=good")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
}

func TestGetDeal_WithHistory(t *testing.T) {
	from := model.DealStatusQueued
	note := "Assigned"
	svc := &stubService{
		getDealResp: testDeal(model.DealStatusAssigned),
		getDealHistory: []model.DealStatusChange{
			{
				DealID:    "deal-1",
				ToStatus:  model.DealStatusQueued,
				ChangedAt: time.Now().UTC(),
			},
			{
				DealID:     "deal-1",
				FromStatus: &from,
				ToStatus:   model.DealStatusAssigned,
				Note:       &note,
				ChangedAt:  time.Now().UTC(),
			},
		},
	}
	router, auth := newTestRouter(t, svc)

	req := authedRequest(t, auth, middleware.RoleMaestro, http.MethodGet, "/api/v1/deals/deal-1", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp dealDetailResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(resp.History))
	}
	if resp.History[1].ToStatus != string(model.DealStatusAssigned) {
		t.Fatalf("history[1].toStatus = %q, want %q", resp.History[1].ToStatus, model.DealStatusAssigned)
	}
}

func TestListLedger_JSONResponse(t *testing.T) {
	svc := &stubService{
		listLedgerResp: []model.LedgerEntry{
			{
				ID:          "entry-1",
				DealID:      "deal-1",
				EntryType:   model.LedgerEntryPlatformRevenue,
				AmountCents: 7500,
				Currency:    "usd",
				Status:      model.LedgerStatusEarned,
				EarnedAt:    time.Now().UTC(),
			},
		},
	}
	router, auth := newTestRouter(t, svc)

	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodGet, "/api/v1/ledger?status=EARNED", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp listLedgerResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(resp.Entries))
	}
}

func TestExportLedger_CSV(t *testing.T) {
	svc := &stubService{
		exportCSV: "id,deal_id\nentry-1,deal-1\n",
	}
	router, auth := newTestRouter(t, svc)

	req := authedRequest(t, auth, middleware.RoleSuperAdmin, http.MethodGet, "/api/v1/ledger/export", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content-type = %q, want text/csv", ct)
	}
}

func TestApproveLedger_EntryIDsRequired(t *testing.T) {
	svc := &stubService{}
	router, auth := newTestRouter(t, svc)

	body, _ := json.Marshal(approveLedgerRequest{Confirm: true})
	req := authedRequest(t, auth, middleware.RoleAdmin, http.MethodPost, "/api/v1/ledger/approve", body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestDeals_Unauthorized(t *testing.T) {
	svc := &stubService{}
	router, _ := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deals", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}
