// Package service реализует бизнес-логику коммерческого контура: жизненный
// цикл сделки, платёжный контур и бухгалтерскую книгу.
package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/dealdesk-system/internal/audit"
	"github.com/mmeshcher/dealdesk-system/internal/gateway"
	"github.com/mmeshcher/dealdesk-system/internal/lifecycle"
	"github.com/mmeshcher/dealdesk-system/internal/metrics"
	"github.com/mmeshcher/dealdesk-system/internal/model"
	"github.com/mmeshcher/dealdesk-system/internal/repository"
)

// Причины отказа по предусловию.
const (
	ReasonOfferSlugRequired        = "offer_slug_required"
	ReasonOfferNotFound            = "offer_not_found"
	ReasonOfferInactive            = "offer_inactive"
	ReasonNotAssigned              = "not_assigned"
	ReasonInvalidTransition        = "invalid_transition"
	ReasonPaymentManagedExternally = "payment_managed_externally"
	ReasonConfirmRequired          = "confirm_required"
	ReasonNotApproved              = "not_approved"
	ReasonNotRefundable            = "not_refundable"
	ReasonPaymentAlreadyExists     = "payment_already_exists"
	ReasonPaymentMissingIntent     = "payment_missing_intent"
)

// PreconditionError означает, что операция заблокирована бизнес-правилом.
// На HTTP-границе транслируется в 412 Precondition Failed.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

func precondition(reason string) error {
	return &PreconditionError{Reason: reason}
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetIntake(ctx context.Context, id string) (*model.Intake, error)
	GetOffer(ctx context.Context, slug string) (*model.Offer, error)
	CreateDeal(ctx context.Context, d *model.Deal, note string) error
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	ListDeals(ctx context.Context, filter repository.DealFilter) ([]model.Deal, error)
	GetDealHistory(ctx context.Context, dealID string) ([]model.DealStatusChange, error)
	SetDealAssignment(ctx context.Context, dealID string, from model.DealStatus, providerUserID, maestroUserID, note, actorID string) error
	TransitionDeal(ctx context.Context, dealID string, from, to model.DealStatus, note string, changedBy *string) error
	GetLatestPayment(ctx context.Context, dealID string) (*model.DealPayment, error)
	CreatePayment(ctx context.Context, p *model.DealPayment) error
	RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
	ApplyCheckoutCompleted(ctx context.Context, args repository.CheckoutCompletedArgs) (*repository.CheckoutCompletedResult, error)
	ApplyRefund(ctx context.Context, args repository.RefundArgs) (int64, error)
	ListLedgerEntries(ctx context.Context, filter repository.LedgerFilter) ([]model.LedgerEntry, error)
	ApproveLedgerEntries(ctx context.Context, entryIDs []string, actorID string) (int64, error)
}

// PaymentGateway описывает контракт платёжного шлюза, используемый сервисом.
type PaymentGateway interface {
	CreateCheckoutSession(args gateway.CheckoutSessionArgs) (*gateway.CheckoutSession, error)
	CreateRefund(args gateway.RefundArgs) (*gateway.Refund, error)
	ConstructWebhookEvent(payload []byte, signature string) (*gateway.Event, error)
}

// CheckoutURLs содержит адреса возврата покупателя после оплаты.
type CheckoutURLs struct {
	SuccessURL string
	CancelURL  string
}

// Service содержит бизнес-логику коммерческого контура.
type Service struct {
	repo    Repository
	gateway PaymentGateway
	auditor audit.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	urls    CheckoutURLs
}

// NewService создаёт сервис с указанными репозиторием, платёжным шлюзом и
// журналом аудита.
func NewService(repo Repository, gw PaymentGateway, auditor audit.Sink, m *metrics.Metrics, logger *zap.Logger, urls CheckoutURLs) *Service {
	return &Service{
		repo:    repo,
		gateway: gw,
		auditor: auditor,
		metrics: m,
		logger:  logger,
		urls:    urls,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) audit(ctx context.Context, e audit.Entry) {
	if s.auditor != nil {
		s.auditor.Record(ctx, e)
	}
}

// CreateDealFromIntake создаёт сделку из квалифицированной заявки.
// Атрибуция реферера копируется из заявки; уникальность сделки на заявку
// гарантирует хранилище.
func (s *Service) CreateDealFromIntake(ctx context.Context, intakeID string, requestedProviderUserID *string, actorID, requestID string) (*model.Deal, error) {
	intake, err := s.repo.GetIntake(ctx, intakeID)
	if err != nil {
		return nil, err
	}

	if intake.OfferSlug == nil || strings.TrimSpace(*intake.OfferSlug) == "" {
		return nil, precondition(ReasonOfferSlugRequired)
	}

	offer, err := s.repo.GetOffer(ctx, *intake.OfferSlug)
	if err != nil {
		if errors.Is(err, repository.ErrOfferNotFound) {
			return nil, precondition(ReasonOfferNotFound)
		}
		return nil, err
	}
	if offer.Status != model.OfferStatusActive {
		return nil, precondition(ReasonOfferInactive)
	}

	deal := &model.Deal{
		ID:                      uuid.NewString(),
		IntakeID:                intakeID,
		OfferSlug:               offer.Slug,
		Status:                  model.DealStatusQueued,
		ReferrerUserID:          intake.ReferrerUserID,
		RequestedProviderUserID: requestedProviderUserID,
		CreatedAt:               time.Now().UTC(),
	}

	if err := s.repo.CreateDeal(ctx, deal, "Deal created from intake"); err != nil {
		return nil, err
	}

	s.audit(ctx, audit.Entry{
		Action:     "deal.create",
		RequestID:  requestID,
		ActorID:    actorID,
		TargetType: "deal",
		TargetID:   deal.ID,
		Metadata:   map[string]any{"intakeID": intakeID, "offerSlug": offer.Slug},
	})

	return s.repo.GetDeal(ctx, deal.ID)
}

// GetDeal возвращает сделку вместе с историей переходов статусов.
func (s *Service) GetDeal(ctx context.Context, id string) (*model.Deal, []model.DealStatusChange, error) {
	deal, err := s.repo.GetDeal(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	history, err := s.repo.GetDealHistory(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return deal, history, nil
}

// ListDeals возвращает страницу сделок по фильтру с нормализацией границ.
func (s *Service) ListDeals(ctx context.Context, status *model.DealStatus, intakeID *string, limit, offset int) ([]model.Deal, int, int, error) {
	if limit < 1 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	deals, err := s.repo.ListDeals(ctx, repository.DealFilter{
		Status:   status,
		IntakeID: intakeID,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, 0, 0, err
	}

	return deals, limit, offset, nil
}

// AssignDeal назначает исполнителя и маэстро. Повторный вызов с теми же
// идентификаторами на уже назначенной сделке - идемпотентный успех;
// переназначение допускается только из QUEUED или ASSIGNED.
func (s *Service) AssignDeal(ctx context.Context, dealID, providerUserID, maestroUserID, note, actorID, requestID string) (*model.Deal, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if deal.Status == model.DealStatusAssigned &&
		deal.ProviderUserID != nil && *deal.ProviderUserID == providerUserID &&
		deal.MaestroUserID != nil && *deal.MaestroUserID == maestroUserID {
		return deal, nil
	}

	if deal.Status != model.DealStatusQueued && deal.Status != model.DealStatusAssigned {
		return nil, precondition(ReasonInvalidTransition)
	}

	if strings.TrimSpace(note) == "" {
		note = "Assigned"
	}

	if err := s.repo.SetDealAssignment(ctx, dealID, deal.Status, providerUserID, maestroUserID, note, actorID); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, precondition(ReasonInvalidTransition)
		}
		return nil, err
	}

	s.audit(ctx, audit.Entry{
		Action:     "deal.assign",
		RequestID:  requestID,
		ActorID:    actorID,
		TargetType: "deal",
		TargetID:   dealID,
		Metadata:   map[string]any{"providerUserID": providerUserID, "maestroUserID": maestroUserID},
	})

	return s.repo.GetDeal(ctx, dealID)
}

// ApproveDeal подтверждает назначение и переводит сделку в MAESTRO_APPROVED.
func (s *Service) ApproveDeal(ctx context.Context, dealID, note, actorID, requestID string) (*model.Deal, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if deal.Status != model.DealStatusAssigned {
		return nil, precondition(ReasonNotAssigned)
	}

	if strings.TrimSpace(note) == "" {
		note = "Maestro approved"
	}

	if err := s.repo.TransitionDeal(ctx, dealID, deal.Status, model.DealStatusMaestroApproved, note, &actorID); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, precondition(ReasonInvalidTransition)
		}
		return nil, err
	}

	s.audit(ctx, audit.Entry{
		Action:     "deal.approve",
		RequestID:  requestID,
		ActorID:    actorID,
		TargetType: "deal",
		TargetID:   dealID,
		Metadata:   map[string]any{"from": string(deal.Status), "to": string(model.DealStatusMaestroApproved)},
	})

	return s.repo.GetDeal(ctx, dealID)
}

// UpdateDealStatus выполняет общий переход статуса по статической таблице
// смежности. PAID и REFUNDED недостижимы этой операцией независимо от роли
// вызывающего: эти статусы управляются платёжным контуром.
func (s *Service) UpdateDealStatus(ctx context.Context, dealID string, to model.DealStatus, note, actorID, requestID string) (*model.Deal, error) {
	if lifecycle.PaymentManaged(to) {
		return nil, precondition(ReasonPaymentManagedExternally)
	}
	if !lifecycle.IsValidStatus(to) {
		return nil, precondition(ReasonInvalidTransition)
	}

	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if !lifecycle.CanTransition(deal.Status, to) {
		return nil, precondition(ReasonInvalidTransition)
	}

	if err := s.repo.TransitionDeal(ctx, dealID, deal.Status, to, note, &actorID); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, precondition(ReasonInvalidTransition)
		}
		return nil, err
	}

	s.audit(ctx, audit.Entry{
		Action:     "deal.status",
		RequestID:  requestID,
		ActorID:    actorID,
		TargetType: "deal",
		TargetID:   dealID,
		Metadata:   map[string]any{"from": string(deal.Status), "to": string(to)},
	})

	return s.repo.GetDeal(ctx, dealID)
}

// CheckoutResult содержит созданную платёжную сессию и локальный платёж.
type CheckoutResult struct {
	CheckoutURL string
	Payment     *model.DealPayment
}

// Checkout создаёт платёжную сессию у шлюза и сохраняет платёж в PENDING.
// Обращение к шлюзу выполняется до локальной записи: сетевой сбой не
// оставит осиротевшую строку платежа.
func (s *Service) Checkout(ctx context.Context, dealID, actorID, requestID string) (*CheckoutResult, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if !lifecycle.Checkoutable(deal.Status) {
		return nil, precondition(ReasonNotApproved)
	}

	latest, err := s.repo.GetLatestPayment(ctx, dealID)
	if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, err
	}
	if latest != nil && latest.Status != model.PaymentStatusRefunded {
		return nil, precondition(ReasonPaymentAlreadyExists)
	}

	offer, err := s.repo.GetOffer(ctx, deal.OfferSlug)
	if err != nil {
		if errors.Is(err, repository.ErrOfferNotFound) {
			return nil, precondition(ReasonOfferNotFound)
		}
		return nil, err
	}
	if offer.Status != model.OfferStatusActive {
		return nil, precondition(ReasonOfferInactive)
	}

	paymentID := uuid.NewString()

	session, err := s.gateway.CreateCheckoutSession(gateway.CheckoutSessionArgs{
		SuccessURL:  s.urls.SuccessURL,
		CancelURL:   s.urls.CancelURL,
		Currency:    offer.Currency,
		AmountCents: offer.PriceCents,
		Description: offer.Title,
		Metadata: map[string]string{
			"deal_id":    dealID,
			"payment_id": paymentID,
		},
	})
	if err != nil {
		s.metrics.CheckoutSessions.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	payment := &model.DealPayment{
		ID:                paymentID,
		DealID:            dealID,
		ProviderSessionID: session.ID,
		Status:            model.PaymentStatusPending,
		AmountCents:       offer.PriceCents,
		Currency:          offer.Currency,
	}
	if session.PaymentIntentID != "" {
		payment.ProviderPaymentIntentID = &session.PaymentIntentID
	}

	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		// Сессия у шлюза уже создана: инцидент требует ручной сверки,
		// автоматический повтор создал бы вторую сессию.
		s.logger.Error("reconciliation required: checkout session created but payment not persisted",
			zap.Error(err),
			zap.String("dealID", dealID),
			zap.String("sessionID", session.ID),
		)
		if errors.Is(err, repository.ErrActivePaymentExists) {
			return nil, precondition(ReasonPaymentAlreadyExists)
		}
		return nil, err
	}

	s.metrics.CheckoutSessions.WithLabelValues("created").Inc()
	s.audit(ctx, audit.Entry{
		Action:     "payment.checkout.create",
		RequestID:  requestID,
		ActorID:    actorID,
		TargetType: "payment",
		TargetID:   paymentID,
		Metadata:   map[string]any{"dealID": dealID, "sessionID": session.ID, "amountCents": offer.PriceCents},
	})

	return &CheckoutResult{CheckoutURL: session.URL, Payment: payment}, nil
}

// HandleStripeWebhook проверяет подпись и применяет событие провайдера.
// Повторная доставка того же события - успех без побочных эффектов.
// Событие с неизвестной ссылкой на платёж логируется, но провайдеру
// отвечаем успехом, чтобы не провоцировать бесконечные повторы.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature, requestID string) error {
	event, err := s.gateway.ConstructWebhookEvent(payload, signature)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		return err
	}

	if event.Type != "checkout.session.completed" {
		if _, err := s.repo.RecordWebhookEvent(ctx, event.ID, event.Type); err != nil {
			return err
		}
		s.metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		return nil
	}

	res, err := s.repo.ApplyCheckoutCompleted(ctx, repository.CheckoutCompletedArgs{
		EventID:         event.ID,
		EventType:       event.Type,
		SessionID:       event.SessionID,
		PaymentIntentID: event.PaymentIntentID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			s.logger.Warn("webhook references unknown payment session",
				zap.String("eventID", event.ID),
				zap.String("sessionID", event.SessionID),
			)
			s.metrics.WebhookEvents.WithLabelValues("unknown_reference").Inc()
			return nil
		}
		return err
	}

	switch res.Outcome {
	case repository.WebhookDuplicate:
		s.metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
	case repository.WebhookAlreadyCaptured:
		s.metrics.WebhookEvents.WithLabelValues("already_captured").Inc()
	case repository.WebhookApplied:
		s.metrics.WebhookEvents.WithLabelValues("processed").Inc()
		s.audit(ctx, audit.Entry{
			Action:     "payment.webhook.paid",
			RequestID:  requestID,
			ActorID:    "",
			TargetType: "payment",
			TargetID:   res.PaymentID,
			Metadata: map[string]any{
				"eventID": event.ID,
				"dealID":  res.DealID,
				"from":    string(res.FromStatus),
				"to":      string(model.DealStatusPaid),
				"entries": res.EntriesCreated,
			},
		})
	}

	return nil
}

// Refund выполняет возврат средств: требует явного подтверждения, вызывает
// шлюз и атомарно применяет REFUNDED со сторнированием книги. Повторный
// вызов по уже возвращённой сделке - успех без второго обращения к шлюзу.
func (s *Service) Refund(ctx context.Context, dealID, reason string, confirm bool, actorID, requestID string) (*model.Deal, error) {
	if !confirm {
		return nil, precondition(ReasonConfirmRequired)
	}

	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if deal.Status == model.DealStatusRefunded {
		return deal, nil
	}

	if !lifecycle.Refundable(deal.Status) {
		return nil, precondition(ReasonNotRefundable)
	}

	payment, err := s.repo.GetLatestPayment(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if payment.ProviderPaymentIntentID == nil {
		return nil, precondition(ReasonPaymentMissingIntent)
	}

	if _, err := s.gateway.CreateRefund(gateway.RefundArgs{
		PaymentIntentID: *payment.ProviderPaymentIntentID,
		Metadata: map[string]string{
			"deal_id":    dealID,
			"payment_id": payment.ID,
			"reason":     reason,
		},
	}); err != nil {
		s.metrics.Refunds.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("create refund: %w", err)
	}

	voided, err := s.repo.ApplyRefund(ctx, repository.RefundArgs{
		DealID:     dealID,
		PaymentID:  payment.ID,
		FromStatus: deal.Status,
		Note:       "Refund issued: " + reason,
		ActorID:    actorID,
	})
	if err != nil {
		// Возврат у шлюза уже выполнен: инцидент требует ручной сверки.
		s.logger.Error("reconciliation required: gateway refund succeeded but local state not committed",
			zap.Error(err),
			zap.String("dealID", dealID),
			zap.String("paymentID", payment.ID),
		)
		return nil, err
	}

	s.metrics.Refunds.WithLabelValues("refunded").Inc()
	s.metrics.LedgerVoided.Add(float64(voided))
	s.audit(ctx, audit.Entry{
		Action:     "payment.refund",
		RequestID:  requestID,
		ActorID:    actorID,
		TargetType: "deal",
		TargetID:   dealID,
		Metadata: map[string]any{
			"reason":        reason,
			"paymentID":     payment.ID,
			"from":          string(deal.Status),
			"to":            string(model.DealStatusRefunded),
			"voidedEntries": voided,
		},
	})

	return s.repo.GetDeal(ctx, dealID)
}

// ListLedgerEntries возвращает страницу записей книги по фильтру.
func (s *Service) ListLedgerEntries(ctx context.Context, status *model.LedgerEntryStatus, dealID *string, limit, offset int) ([]model.LedgerEntry, int, int, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.repo.ListLedgerEntries(ctx, repository.LedgerFilter{
		Status: status,
		DealID: dealID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, 0, 0, err
	}

	return entries, limit, offset, nil
}

// ApproveLedgerEntries переводит записи EARNED в APPROVED. Операция требует
// явного подтверждения, как и все финансово опасные действия.
func (s *Service) ApproveLedgerEntries(ctx context.Context, entryIDs []string, confirm bool, actorID, requestID string) (int64, error) {
	if !confirm {
		return 0, precondition(ReasonConfirmRequired)
	}

	ids := make([]string, 0, len(entryIDs))
	for _, id := range entryIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	updated, err := s.repo.ApproveLedgerEntries(ctx, ids, actorID)
	if err != nil {
		return 0, err
	}

	s.audit(ctx, audit.Entry{
		Action:     "ledger.approve",
		RequestID:  requestID,
		ActorID:    actorID,
		TargetType: "ledger",
		Metadata:   map[string]any{"updated": updated, "entryIDs": ids},
	})

	return updated, nil
}

// ExportLedgerCSV выгружает записи книги в CSV для внешней сверки.
func (s *Service) ExportLedgerCSV(ctx context.Context, status *model.LedgerEntryStatus) (string, error) {
	entries, _, _, err := s.ListLedgerEntries(ctx, status, nil, 200, 0)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "deal_id", "entry_type", "beneficiary_user_id", "amount_cents", "currency", "status", "earned_at", "approved_at", "paid_at"}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ID,
			e.DealID,
			string(e.EntryType),
			deref(e.BeneficiaryUserID),
			strconv.FormatInt(e.AmountCents, 10),
			e.Currency,
			string(e.Status),
			e.EarnedAt.Format(time.RFC3339),
			formatTimePtr(e.ApprovedAt),
			formatTimePtr(e.PaidAt),
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}

	return buf.String(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
