// Package handler содержит HTTP-обработчики API сервиса сделок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mmeshcher/dealdesk-system/internal/gateway"
	"github.com/mmeshcher/dealdesk-system/internal/lifecycle"
	"github.com/mmeshcher/dealdesk-system/internal/middleware"
	"github.com/mmeshcher/dealdesk-system/internal/model"
	"github.com/mmeshcher/dealdesk-system/internal/repository"
	"github.com/mmeshcher/dealdesk-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateDealFromIntake(ctx context.Context, intakeID string, requestedProviderUserID *string, actorID, requestID string) (*model.Deal, error)
	GetDeal(ctx context.Context, id string) (*model.Deal, []model.DealStatusChange, error)
	ListDeals(ctx context.Context, status *model.DealStatus, intakeID *string, limit, offset int) ([]model.Deal, int, int, error)
	AssignDeal(ctx context.Context, dealID, providerUserID, maestroUserID, note, actorID, requestID string) (*model.Deal, error)
	ApproveDeal(ctx context.Context, dealID, note, actorID, requestID string) (*model.Deal, error)
	UpdateDealStatus(ctx context.Context, dealID string, to model.DealStatus, note, actorID, requestID string) (*model.Deal, error)
	Checkout(ctx context.Context, dealID, actorID, requestID string) (*service.CheckoutResult, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signature, requestID string) error
	Refund(ctx context.Context, dealID, reason string, confirm bool, actorID, requestID string) (*model.Deal, error)
	ListLedgerEntries(ctx context.Context, status *model.LedgerEntryStatus, dealID *string, limit, offset int) ([]model.LedgerEntry, int, int, error)
	ApproveLedgerEntries(ctx context.Context, entryIDs []string, confirm bool, actorID, requestID string) (int64, error)
	ExportLedgerCSV(ctx context.Context, status *model.LedgerEntryStatus) (string, error)
}

// Handler реализует HTTP-обработчики API сервиса сделок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError транслирует ошибки бизнес-логики в HTTP-статусы.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var pre *service.PreconditionError
	switch {
	case errors.As(err, &pre):
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: "precondition_failed", Reason: pre.Reason})
	case errors.Is(err, repository.ErrDealNotFound),
		errors.Is(err, repository.ErrIntakeNotFound),
		errors.Is(err, repository.ErrOfferNotFound),
		errors.Is(err, repository.ErrPaymentNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
	case errors.Is(err, repository.ErrDealExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict"})
	case errors.Is(err, gateway.ErrInvalidSignature):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_signature"})
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
	}
}

func (h *Handler) actor(r *http.Request) string {
	id, _ := middleware.GetUserIDFromContext(r.Context())
	return id
}

type dealResponse struct {
	ID                      string  `json:"id"`
	IntakeID                string  `json:"intakeId"`
	OfferSlug               string  `json:"offerSlug"`
	Status                  string  `json:"status"`
	ReferrerUserID          *string `json:"referrerUserId,omitempty"`
	RequestedProviderUserID *string `json:"requestedProviderUserId,omitempty"`
	ProviderUserID          *string `json:"providerUserId,omitempty"`
	MaestroUserID           *string `json:"maestroUserId,omitempty"`
	CreatedAt               string  `json:"createdAt"`
	UpdatedAt               string  `json:"updatedAt"`
}

func toDealResponse(d *model.Deal) dealResponse {
	return dealResponse{
		ID:                      d.ID,
		IntakeID:                d.IntakeID,
		OfferSlug:               d.OfferSlug,
		Status:                  string(d.Status),
		ReferrerUserID:          d.ReferrerUserID,
		RequestedProviderUserID: d.RequestedProviderUserID,
		ProviderUserID:          d.ProviderUserID,
		MaestroUserID:           d.MaestroUserID,
		CreatedAt:               d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:               d.UpdatedAt.Format(time.RFC3339),
	}
}

type createDealRequest struct {
	IntakeID                string  `json:"intakeId"`
	RequestedProviderUserID *string `json:"requestedProviderUserId"`
}

// CreateDeal создаёт сделку из квалифицированной заявки.
func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request"})
		return
	}

	if strings.TrimSpace(req.IntakeID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "intake_id_required"})
		return
	}

	deal, err := h.service.CreateDealFromIntake(r.Context(), req.IntakeID, req.RequestedProviderUserID, h.actor(r), chimiddleware.GetReqID(r.Context()))
	if err != nil {
		h.writeServiceError(w, err, "create deal error", zap.String("intakeID", req.IntakeID))
		return
	}

	writeJSON(w, http.StatusCreated, toDealResponse(deal))
}

type listDealsResponse struct {
	Deals  []dealResponse `json:"deals"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListDeals возвращает страницу сделок по фильтру.
func (h *Handler) ListDeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status *model.DealStatus
	if s := q.Get("status"); s != "" {
		st := model.DealStatus(s)
		if !lifecycle.IsValidStatus(st) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "invalid_status"})
			return
		}
		status = &st
	}

	var intakeID *string
	if v := q.Get("intakeId"); v != "" {
		intakeID = &v
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	deals, limit, offset, err := h.service.ListDeals(r.Context(), status, intakeID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list deals error")
		return
	}

	resp := listDealsResponse{Deals: make([]dealResponse, 0, len(deals)), Limit: limit, Offset: offset}
	for i := range deals {
		resp.Deals = append(resp.Deals, toDealResponse(&deals[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type statusChangeResponse struct {
	FromStatus *string `json:"fromStatus"`
	ToStatus   string  `json:"toStatus"`
	Note       *string `json:"note,omitempty"`
	ChangedBy  *string `json:"changedBy,omitempty"`
	ChangedAt  string  `json:"changedAt"`
}

type dealDetailResponse struct {
	dealResponse
	History []statusChangeResponse `json:"history"`
}

// GetDeal возвращает сделку вместе с историей переходов статусов.
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deal, history, err := h.service.GetDeal(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get deal error", zap.String("dealID", id))
		return
	}

	resp := dealDetailResponse{
		dealResponse: toDealResponse(deal),
		History:      make([]statusChangeResponse, 0, len(history)),
	}
	for _, ch := range history {
		var from *string
		if ch.FromStatus != nil {
			s := string(*ch.FromStatus)
			from = &s
		}
		resp.History = append(resp.History, statusChangeResponse{
			FromStatus: from,
			ToStatus:   string(ch.ToStatus),
			Note:       ch.Note,
			ChangedBy:  ch.ChangedBy,
			ChangedAt:  ch.ChangedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type patchDealRequest struct {
	Action         string `json:"action"`
	ProviderUserID string `json:"providerUserId"`
	MaestroUserID  string `json:"maestroUserId"`
	Status         string `json:"status"`
	Note           string `json:"note"`
}

// PatchDeal выполняет управляющее действие над сделкой: назначение,
// подтверждение маэстро или общий переход статуса.
func (h *Handler) PatchDeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req patchDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request"})
		return
	}

	actor := h.actor(r)
	requestID := chimiddleware.GetReqID(r.Context())

	var (
		deal *model.Deal
		err  error
	)

	switch req.Action {
	case "assign":
		if strings.TrimSpace(req.ProviderUserID) == "" || strings.TrimSpace(req.MaestroUserID) == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "assignment_ids_required"})
			return
		}
		deal, err = h.service.AssignDeal(r.Context(), id, req.ProviderUserID, req.MaestroUserID, req.Note, actor, requestID)
	case "approve":
		deal, err = h.service.ApproveDeal(r.Context(), id, req.Note, actor, requestID)
	case "status":
		to := model.DealStatus(req.Status)
		if !lifecycle.IsValidStatus(to) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "invalid_status"})
			return
		}
		deal, err = h.service.UpdateDealStatus(r.Context(), id, to, req.Note, actor, requestID)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "unknown_action"})
		return
	}

	if err != nil {
		h.writeServiceError(w, err, "patch deal error", zap.String("dealID", id), zap.String("action", req.Action))
		return
	}

	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

type paymentResponse struct {
	ID                string `json:"id"`
	DealID            string `json:"dealId"`
	Status            string `json:"status"`
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
	ProviderSessionID string `json:"providerSessionId"`
}

type checkoutResponse struct {
	CheckoutURL string          `json:"checkoutUrl"`
	Payment     paymentResponse `json:"payment"`
}

// Checkout создаёт платёжную сессию для сделки.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.service.Checkout(r.Context(), id, h.actor(r), chimiddleware.GetReqID(r.Context()))
	if err != nil {
		h.writeServiceError(w, err, "checkout error", zap.String("dealID", id))
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		CheckoutURL: res.CheckoutURL,
		Payment: paymentResponse{
			ID:                res.Payment.ID,
			DealID:            res.Payment.DealID,
			Status:            string(res.Payment.Status),
			AmountCents:       res.Payment.AmountCents,
			Currency:          res.Payment.Currency,
			ProviderSessionID: res.Payment.ProviderSessionID,
		},
	})
}

type refundRequest struct {
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
}

// Refund выполняет возврат средств по сделке.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request"})
		return
	}

	if strings.TrimSpace(req.Reason) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "reason_required"})
		return
	}

	deal, err := h.service.Refund(r.Context(), id, req.Reason, req.Confirm, h.actor(r), chimiddleware.GetReqID(r.Context()))
	if err != nil {
		h.writeServiceError(w, err, "refund error", zap.String("dealID", id))
		return
	}

	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

// StripeWebhook принимает события платёжного провайдера.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request"})
		return
	}

	signature := r.Header.Get("Stripe-Signature")

	if err := h.service.HandleStripeWebhook(r.Context(), payload, signature, chimiddleware.GetReqID(r.Context())); err != nil {
		h.writeServiceError(w, err, "stripe webhook error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type ledgerEntryResponse struct {
	ID                string  `json:"id"`
	DealID            string  `json:"dealId"`
	EntryType         string  `json:"entryType"`
	BeneficiaryUserID *string `json:"beneficiaryUserId,omitempty"`
	AmountCents       int64   `json:"amountCents"`
	Currency          string  `json:"currency"`
	Status            string  `json:"status"`
	EarnedAt          string  `json:"earnedAt"`
	ApprovedAt        *string `json:"approvedAt,omitempty"`
	PaidAt            *string `json:"paidAt,omitempty"`
}

type listLedgerResponse struct {
	Entries []ledgerEntryResponse `json:"entries"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func parseLedgerStatus(w http.ResponseWriter, raw string) (*model.LedgerEntryStatus, bool) {
	if raw == "" {
		return nil, true
	}
	st := model.LedgerEntryStatus(raw)
	switch st {
	case model.LedgerStatusEarned, model.LedgerStatusApproved, model.LedgerStatusPaid, model.LedgerStatusVoid:
		return &st, true
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "invalid_status"})
	return nil, false
}

// ListLedger возвращает страницу записей бухгалтерской книги.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status, ok := parseLedgerStatus(w, q.Get("status"))
	if !ok {
		return
	}

	var dealID *string
	if v := q.Get("dealId"); v != "" {
		dealID = &v
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, limit, offset, err := h.service.ListLedgerEntries(r.Context(), status, dealID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list ledger error")
		return
	}

	resp := listLedgerResponse{Entries: make([]ledgerEntryResponse, 0, len(entries)), Limit: limit, Offset: offset}
	for _, e := range entries {
		item := ledgerEntryResponse{
			ID:                e.ID,
			DealID:            e.DealID,
			EntryType:         string(e.EntryType),
			BeneficiaryUserID: e.BeneficiaryUserID,
			AmountCents:       e.AmountCents,
			Currency:          e.Currency,
			Status:            string(e.Status),
			EarnedAt:          e.EarnedAt.Format(time.RFC3339),
		}
		if e.ApprovedAt != nil {
			s := e.ApprovedAt.Format(time.RFC3339)
			item.ApprovedAt = &s
		}
		if e.PaidAt != nil {
			s := e.PaidAt.Format(time.RFC3339)
			item.PaidAt = &s
		}
		resp.Entries = append(resp.Entries, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ExportLedger выгружает записи книги в CSV.
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	status, ok := parseLedgerStatus(w, r.URL.Query().Get("status"))
	if !ok {
		return
	}

	csvBody, err := h.service.ExportLedgerCSV(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, err, "export ledger error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(csvBody))
}

type approveLedgerRequest struct {
	EntryIDs []string `json:"entryIds"`
	Confirm  bool     `json:"confirm"`
}

type approveLedgerResponse struct {
	Updated int64 `json:"updated"`
}

// ApproveLedger переводит записи книги из EARNED в APPROVED.
func (h *Handler) ApproveLedger(w http.ResponseWriter, r *http.Request) {
	var req approveLedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request"})
		return
	}

	if len(req.EntryIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Reason: "entry_ids_required"})
		return
	}

	updated, err := h.service.ApproveLedgerEntries(r.Context(), req.EntryIDs, req.Confirm, h.actor(r), chimiddleware.GetReqID(r.Context()))
	if err != nil {
		h.writeServiceError(w, err, "approve ledger error")
		return
	}

	writeJSON(w, http.StatusOK, approveLedgerResponse{Updated: updated})
}
