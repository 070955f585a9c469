// Package model содержит доменные сущности коммерческого контура: сделки,
// платежи и записи бухгалтерской книги.
package model

import "time"

// DealStatus описывает стадию жизненного цикла сделки.
type DealStatus string

const (
	DealStatusQueued          DealStatus = "QUEUED"
	DealStatusAssigned        DealStatus = "ASSIGNED"
	DealStatusMaestroApproved DealStatus = "MAESTRO_APPROVED"
	DealStatusPaid            DealStatus = "PAID"
	DealStatusInProgress      DealStatus = "IN_PROGRESS"
	DealStatusDelivered       DealStatus = "DELIVERED"
	DealStatusClosed          DealStatus = "CLOSED"
	DealStatusRefunded        DealStatus = "REFUNDED"
)

// Deal представляет оплачиваемое обязательство, созданное из одной заявки.
// На одну заявку существует не более одной сделки (уникальность intake_id
// обеспечивается хранилищем).
type Deal struct {
	ID                      string
	IntakeID                string
	OfferSlug               string
	Status                  DealStatus
	ReferrerUserID          *string
	RequestedProviderUserID *string
	ProviderUserID          *string
	MaestroUserID           *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// DealStatusChange описывает один переход статуса сделки.
type DealStatusChange struct {
	ID         string
	DealID     string
	FromStatus *DealStatus
	ToStatus   DealStatus
	Note       *string
	ChangedBy  *string
	ChangedAt  time.Time
}

// PaymentStatus описывает состояние платежа по сделке.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusCaptured PaymentStatus = "CAPTURED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// DealPayment описывает платёж по сделке через внешний платёжный шлюз.
// Для сделки допускается не более одного платежа вне статуса REFUNDED.
type DealPayment struct {
	ID                      string
	DealID                  string
	ProviderSessionID       string
	ProviderPaymentIntentID *string
	Status                  PaymentStatus
	AmountCents             int64
	Currency                string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// LedgerEntryType описывает вид бухгалтерской записи.
type LedgerEntryType string

const (
	LedgerEntryPlatformRevenue    LedgerEntryType = "PLATFORM_REVENUE"
	LedgerEntryReferrerCommission LedgerEntryType = "REFERRER_COMMISSION"
	LedgerEntryProviderPayout     LedgerEntryType = "PROVIDER_PAYOUT"
)

// LedgerEntryStatus описывает состояние бухгалтерской записи.
type LedgerEntryStatus string

const (
	LedgerStatusEarned   LedgerEntryStatus = "EARNED"
	LedgerStatusApproved LedgerEntryStatus = "APPROVED"
	LedgerStatusPaid     LedgerEntryStatus = "PAID"
	LedgerStatusVoid     LedgerEntryStatus = "VOID"
)

// LedgerEntry представляет бухгалтерскую запись, относящую часть стоимости
// сделки платформе, рефереру или исполнителю. Записи никогда не удаляются;
// сторнирование выполняется переводом в статус VOID.
type LedgerEntry struct {
	ID                string
	DealID            string
	EntryType         LedgerEntryType
	BeneficiaryUserID *string
	AmountCents       int64
	Currency          string
	Status            LedgerEntryStatus
	EarnedAt          time.Time
	ApprovedAt        *time.Time
	PaidAt            *time.Time
	ApprovedByUserID  *string
	MetadataJSON      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WebhookEvent фиксирует обработанное событие платёжного провайдера.
// Первичный ключ - идентификатор события провайдера: именно уникальность
// в хранилище, а не проверка в памяти, защищает от повторной доставки.
type WebhookEvent struct {
	EventID    string
	EventType  string
	ReceivedAt time.Time
	Processed  bool
}

// OfferStatus описывает доступность оффера в каталоге.
type OfferStatus string

const (
	OfferStatusActive   OfferStatus = "ACTIVE"
	OfferStatusInactive OfferStatus = "INACTIVE"
)

// Offer описывает позицию каталога, на которую ссылается заявка.
// Каталогом управляет внешняя подсистема; здесь офферы только читаются.
type Offer struct {
	Slug       string
	Title      string
	Status     OfferStatus
	PriceCents int64
	Currency   string
}

// Intake описывает квалифицированную заявку, из которой создаётся сделка.
// Атрибуция реферера разрешается внешней подсистемой приёма заявок.
type Intake struct {
	ID             string
	OfferSlug      *string
	ReferrerUserID *string
	CreatedAt      time.Time
}

// Доли распределения валовой выручки сделки в базисных пунктах.
const (
	ReferrerCommissionBasisPoints = 2000
	ProviderPayoutBasisPoints     = 5000
)

// LedgerSplit содержит распределение валовой суммы сделки по записям книги.
type LedgerSplit struct {
	ProviderPayoutCents     int64
	ReferrerCommissionCents int64
	PlatformRevenueCents    int64
}

// SplitGross распределяет валовую сумму: исполнителю и рефереру по ставкам,
// платформе остаток, поэтому сумма долей всегда равна валовой сумме.
// Без реферера его доля равна нулю и остаётся платформе.
func SplitGross(grossCents int64, hasReferrer bool) LedgerSplit {
	var split LedgerSplit
	split.ProviderPayoutCents = grossCents * ProviderPayoutBasisPoints / 10000
	if hasReferrer {
		split.ReferrerCommissionCents = grossCents * ReferrerCommissionBasisPoints / 10000
	}
	split.PlatformRevenueCents = grossCents - split.ProviderPayoutCents - split.ReferrerCommissionCents
	return split
}
