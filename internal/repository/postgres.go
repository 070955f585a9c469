// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/dealdesk-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDealNotFound возвращается, если сделка не найдена.
var (
	ErrDealNotFound = errors.New("deal not found")
	// ErrIntakeNotFound возвращается, если заявка для создания сделки не найдена.
	ErrIntakeNotFound = errors.New("intake not found")
	// ErrOfferNotFound возвращается, если оффер из заявки отсутствует в каталоге.
	ErrOfferNotFound = errors.New("offer not found")
	// ErrDealExists возвращается при попытке создать вторую сделку по той же заявке.
	ErrDealExists = errors.New("deal already exists for intake")
	// ErrStatusConflict возвращается, если статус сделки изменился конкурентно
	// и ожидаемый переход больше не применим.
	ErrStatusConflict = errors.New("deal status changed concurrently")
	// ErrPaymentNotFound возвращается, если платёж по сделке не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrActivePaymentExists возвращается при попытке создать второй
	// невозвращённый платёж по сделке.
	ErrActivePaymentExists = errors.New("active payment already exists")
)

// WebhookOutcome описывает результат применения платёжного вебхука.
type WebhookOutcome string

const (
	// WebhookApplied - событие применено: платёж захвачен, сделка оплачена,
	// записи книги созданы.
	WebhookApplied WebhookOutcome = "applied"
	// WebhookDuplicate - событие с таким идентификатором уже обработано.
	WebhookDuplicate WebhookOutcome = "duplicate"
	// WebhookAlreadyCaptured - платёж уже захвачен другим событием;
	// зафиксирован только идентификатор события.
	WebhookAlreadyCaptured WebhookOutcome = "already_captured"
)

// CheckoutCompletedArgs описывает событие checkout.session.completed.
type CheckoutCompletedArgs struct {
	EventID         string
	EventType       string
	SessionID       string
	PaymentIntentID string
}

// CheckoutCompletedResult содержит итог атомарного применения вебхука.
type CheckoutCompletedResult struct {
	Outcome        WebhookOutcome
	DealID         string
	PaymentID      string
	FromStatus     model.DealStatus
	EntriesCreated int
}

// RefundArgs описывает атомарное применение возврата средств.
type RefundArgs struct {
	DealID     string
	PaymentID  string
	FromStatus model.DealStatus
	Note       string
	ActorID    string
}

// DealFilter задаёт параметры выборки списка сделок.
type DealFilter struct {
	Status   *model.DealStatus
	IntakeID *string
	Limit    int
	Offset   int
}

// LedgerFilter задаёт параметры выборки записей книги.
type LedgerFilter struct {
	Status *model.LedgerEntryStatus
	DealID *string
	Limit  int
	Offset int
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetIntake возвращает заявку по идентификатору.
func (r *PostgresRepository) GetIntake(ctx context.Context, id string) (*model.Intake, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, offer_slug, referrer_user_id, created_at FROM intake_requests WHERE id = $1`,
		id,
	)

	var in model.Intake
	err := row.Scan(&in.ID, &in.OfferSlug, &in.ReferrerUserID, &in.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntakeNotFound
		}
		return nil, fmt.Errorf("get intake: %w", err)
	}

	return &in, nil
}

// GetOffer возвращает оффер каталога по slug.
func (r *PostgresRepository) GetOffer(ctx context.Context, slug string) (*model.Offer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT slug, title, status, price_cents, currency FROM offers WHERE slug = $1`,
		slug,
	)

	var o model.Offer
	err := row.Scan(&o.Slug, &o.Title, &o.Status, &o.PriceCents, &o.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	return &o, nil
}

// CreateDeal сохраняет новую сделку и первую запись истории статусов.
// Уникальность intake_id обеспечивается ограничением БД, а не предварительной
// проверкой, поэтому конкурирующие запросы не создадут дубликат.
func (r *PostgresRepository) CreateDeal(ctx context.Context, d *model.Deal, note string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO deals (id, intake_id, offer_slug, status, referrer_user_id, requested_provider_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		d.ID, d.IntakeID, d.OfferSlug, string(d.Status), d.ReferrerUserID, d.RequestedProviderUserID, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDealExists, d.IntakeID)
		}
		return fmt.Errorf("insert deal: %w", err)
	}

	if err := insertStatusChange(ctx, tx, d.ID, nil, d.Status, note, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetDeal возвращает сделку по идентификатору.
func (r *PostgresRepository) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	return getDeal(ctx, r.pool, id, false)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDeal(ctx context.Context, q queryer, id string, forUpdate bool) (*model.Deal, error) {
	query := `SELECT id, intake_id, offer_slug, status, referrer_user_id, requested_provider_user_id,
	                 provider_user_id, maestro_user_id, created_at, updated_at
	          FROM deals WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var d model.Deal
	var status string
	err := q.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.IntakeID, &d.OfferSlug, &status, &d.ReferrerUserID, &d.RequestedProviderUserID,
		&d.ProviderUserID, &d.MaestroUserID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("get deal: %w", err)
	}

	d.Status = model.DealStatus(status)
	return &d, nil
}

// ListDeals возвращает страницу сделок по фильтру.
func (r *PostgresRepository) ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error) {
	where := make([]string, 0, 2)
	params := make([]any, 0, 4)

	if filter.Status != nil {
		params = append(params, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(params)))
	}
	if filter.IntakeID != nil {
		params = append(params, *filter.IntakeID)
		where = append(where, fmt.Sprintf("intake_id = $%d", len(params)))
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	params = append(params, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, intake_id, offer_slug, status, referrer_user_id, requested_provider_user_id,
		                    provider_user_id, maestro_user_id, created_at, updated_at
		             FROM deals %s
		             ORDER BY created_at DESC
		             LIMIT $%d OFFSET $%d`, whereSQL, len(params)-1, len(params)),
		params...,
	)
	if err != nil {
		return nil, fmt.Errorf("select deals: %w", err)
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		var d model.Deal
		var status string
		if err := rows.Scan(
			&d.ID, &d.IntakeID, &d.OfferSlug, &status, &d.ReferrerUserID, &d.RequestedProviderUserID,
			&d.ProviderUserID, &d.MaestroUserID, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		d.Status = model.DealStatus(status)
		deals = append(deals, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return deals, nil
}

// GetDealHistory возвращает историю переходов статусов сделки.
func (r *PostgresRepository) GetDealHistory(ctx context.Context, dealID string) ([]model.DealStatusChange, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, deal_id, from_status, to_status, note, changed_by, changed_at
		 FROM deal_status_history
		 WHERE deal_id = $1
		 ORDER BY changed_at ASC`,
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var res []model.DealStatusChange
	for rows.Next() {
		var (
			c    model.DealStatusChange
			from *string
			to   string
		)
		if err := rows.Scan(&c.ID, &c.DealID, &from, &to, &c.Note, &c.ChangedBy, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if from != nil {
			s := model.DealStatus(*from)
			c.FromStatus = &s
		}
		c.ToStatus = model.DealStatus(to)
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertStatusChange(ctx context.Context, e execer, dealID string, from *model.DealStatus, to model.DealStatus, note string, changedBy *string) error {
	var fromStr *string
	if from != nil {
		s := string(*from)
		fromStr = &s
	}

	var notePtr *string
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		notePtr = &trimmed
	}

	_, err := e.Exec(ctx,
		`INSERT INTO deal_status_history (id, deal_id, from_status, to_status, note, changed_by, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.NewString(), dealID, fromStr, string(to), notePtr, changedBy,
	)
	if err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

// SetDealAssignment назначает исполнителя и маэстро и переводит сделку в
// ASSIGNED. Переход защищён условием на текущий статус: конкурентное
// изменение приводит к ErrStatusConflict, а не к потере чужого перехода.
func (r *PostgresRepository) SetDealAssignment(ctx context.Context, dealID string, from model.DealStatus, providerUserID, maestroUserID, note, actorID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE deals SET provider_user_id = $1, maestro_user_id = $2, status = $3, updated_at = now()
		 WHERE id = $4 AND status = $5`,
		providerUserID, maestroUserID, string(model.DealStatusAssigned), dealID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update deal assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	if err := insertStatusChange(ctx, tx, dealID, &from, model.DealStatusAssigned, note, &actorID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// TransitionDeal переводит сделку из одного статуса в другой с записью
// истории. Обновление выполняется с условием на исходный статус.
func (r *PostgresRepository) TransitionDeal(ctx context.Context, dealID string, from, to model.DealStatus, note string, changedBy *string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE deals SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(to), dealID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update deal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	if err := insertStatusChange(ctx, tx, dealID, &from, to, note, changedBy); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetLatestPayment возвращает последний платёж по сделке.
func (r *PostgresRepository) GetLatestPayment(ctx context.Context, dealID string) (*model.DealPayment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, deal_id, provider_session_id, provider_payment_intent_id, status, amount_cents, currency, created_at, updated_at
		 FROM deal_payments
		 WHERE deal_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		dealID,
	)

	var p model.DealPayment
	var status string
	err := row.Scan(&p.ID, &p.DealID, &p.ProviderSessionID, &p.ProviderPaymentIntentID, &status, &p.AmountCents, &p.Currency, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// CreatePayment сохраняет платёж в статусе PENDING. Частичный уникальный
// индекс в БД не допускает второго невозвращённого платежа по сделке.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.DealPayment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO deal_payments (id, deal_id, provider_session_id, provider_payment_intent_id, status, amount_cents, currency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		p.ID, p.DealID, p.ProviderSessionID, p.ProviderPaymentIntentID, string(p.Status), p.AmountCents, p.Currency,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: deal %s", ErrActivePaymentExists, p.DealID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// RecordWebhookEvent фиксирует событие провайдера, не требующее обработки.
// Возвращает false, если событие уже было зафиксировано.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO stripe_webhook_events (event_id, event_type, received_at, processed)
		 VALUES ($1, $2, now(), TRUE)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyCheckoutCompleted атомарно применяет подтверждение оплаты: фиксирует
// событие провайдера, захватывает платёж, переводит сделку в PAID и создаёт
// записи книги со статусом EARNED. Всё выполняется в одной транзакции:
// сбой в середине не оставит книгу рассинхронизированной со сделкой.
func (r *PostgresRepository) ApplyCheckoutCompleted(ctx context.Context, args CheckoutCompletedArgs) (*CheckoutCompletedResult, error) {
	var res *CheckoutCompletedResult
	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.applyCheckoutCompleted(ctx, args)
		return err
	})
	return res, err
}

func (r *PostgresRepository) applyCheckoutCompleted(ctx context.Context, args CheckoutCompletedArgs) (*CheckoutCompletedResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Защита от повторной доставки: первичный ключ события в БД, а не
	// проверка в памяти, поэтому конкурирующие дубликаты не проскочат.
	tag, err := tx.Exec(ctx,
		`INSERT INTO stripe_webhook_events (event_id, event_type, received_at, processed)
		 VALUES ($1, $2, now(), TRUE)
		 ON CONFLICT (event_id) DO NOTHING`,
		args.EventID, args.EventType,
	)
	if err != nil {
		return nil, fmt.Errorf("insert webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &CheckoutCompletedResult{Outcome: WebhookDuplicate}, nil
	}

	var (
		p      model.DealPayment
		status string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, deal_id, status, amount_cents, currency
		 FROM deal_payments
		 WHERE provider_session_id = $1
		 FOR UPDATE`,
		args.SessionID,
	).Scan(&p.ID, &p.DealID, &status, &p.AmountCents, &p.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("select payment: %w", err)
	}
	p.Status = model.PaymentStatus(status)

	if p.Status != model.PaymentStatusPending {
		// Платёж уже захвачен другим событием; фиксируем только событие,
		// чтобы провайдер перестал доставлять его повторно.
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return &CheckoutCompletedResult{Outcome: WebhookAlreadyCaptured, DealID: p.DealID, PaymentID: p.ID}, nil
	}

	deal, err := getDeal(ctx, tx, p.DealID, true)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE deal_payments SET status = $1, provider_payment_intent_id = $2, updated_at = now() WHERE id = $3`,
		string(model.PaymentStatusCaptured), args.PaymentIntentID, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("capture payment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE deals SET status = $1, updated_at = now() WHERE id = $2`,
		string(model.DealStatusPaid), deal.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark deal paid: %w", err)
	}

	if err := insertStatusChange(ctx, tx, deal.ID, &deal.Status, model.DealStatusPaid, "Payment confirmed by provider webhook", nil); err != nil {
		return nil, err
	}

	entries, err := insertEarnedEntries(ctx, tx, deal, &p)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &CheckoutCompletedResult{
		Outcome:        WebhookApplied,
		DealID:         deal.ID,
		PaymentID:      p.ID,
		FromStatus:     deal.Status,
		EntriesCreated: entries,
	}, nil
}

func insertEarnedEntries(ctx context.Context, e execer, deal *model.Deal, p *model.DealPayment) (int, error) {
	split := model.SplitGross(p.AmountCents, deal.ReferrerUserID != nil)

	type entry struct {
		entryType   model.LedgerEntryType
		beneficiary *string
		amountCents int64
		metadata    string
	}

	entries := []entry{
		{
			entryType:   model.LedgerEntryProviderPayout,
			beneficiary: deal.ProviderUserID,
			amountCents: split.ProviderPayoutCents,
			metadata:    `{"basis":"gross","rate_bp":5000}`,
		},
		{
			entryType:   model.LedgerEntryPlatformRevenue,
			beneficiary: nil,
			amountCents: split.PlatformRevenueCents,
			metadata:    `{"basis":"gross","remainder":true}`,
		},
	}
	if deal.ReferrerUserID != nil {
		entries = append(entries, entry{
			entryType:   model.LedgerEntryReferrerCommission,
			beneficiary: deal.ReferrerUserID,
			amountCents: split.ReferrerCommissionCents,
			metadata:    `{"basis":"gross","rate_bp":2000}`,
		})
	}

	for _, en := range entries {
		_, err := e.Exec(ctx,
			`INSERT INTO ledger_entries (id, deal_id, entry_type, beneficiary_user_id, amount_cents, currency, status, earned_at, metadata_json, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, now(), now())`,
			uuid.NewString(), deal.ID, string(en.entryType), en.beneficiary, en.amountCents, p.Currency, string(model.LedgerStatusEarned), en.metadata,
		)
		if err != nil {
			return 0, fmt.Errorf("insert ledger entry %s: %w", en.entryType, err)
		}
	}

	return len(entries), nil
}

// ApplyRefund атомарно применяет подтверждённый шлюзом возврат: переводит
// платёж и сделку в REFUNDED и сторнирует записи книги. PROVIDER_PAYOUT не
// сторнируется этим потоком - обязательство перед исполнителем закрывается
// отдельным процессом.
func (r *PostgresRepository) ApplyRefund(ctx context.Context, args RefundArgs) (int64, error) {
	var voided int64
	err := r.withRetry(ctx, func() error {
		var err error
		voided, err = r.applyRefund(ctx, args)
		return err
	})
	return voided, err
}

func (r *PostgresRepository) applyRefund(ctx context.Context, args RefundArgs) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE deal_payments SET status = $1, updated_at = now() WHERE id = $2`,
		string(model.PaymentStatusRefunded), args.PaymentID,
	)
	if err != nil {
		return 0, fmt.Errorf("refund payment: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE deals SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(model.DealStatusRefunded), args.DealID, string(args.FromStatus),
	)
	if err != nil {
		return 0, fmt.Errorf("mark deal refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrStatusConflict
	}

	from := args.FromStatus
	actorID := args.ActorID
	if err := insertStatusChange(ctx, tx, args.DealID, &from, model.DealStatusRefunded, args.Note, &actorID); err != nil {
		return 0, err
	}

	voidTag, err := tx.Exec(ctx,
		`UPDATE ledger_entries SET status = $1, updated_at = now()
		 WHERE deal_id = $2
		   AND entry_type IN ($3, $4)
		   AND status IN ($5, $6)`,
		string(model.LedgerStatusVoid), args.DealID,
		string(model.LedgerEntryPlatformRevenue), string(model.LedgerEntryReferrerCommission),
		string(model.LedgerStatusEarned), string(model.LedgerStatusApproved),
	)
	if err != nil {
		return 0, fmt.Errorf("void ledger entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return voidTag.RowsAffected(), nil
}

// ListLedgerEntries возвращает страницу записей книги по фильтру.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error) {
	where := make([]string, 0, 2)
	params := make([]any, 0, 4)

	if filter.Status != nil {
		params = append(params, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(params)))
	}
	if filter.DealID != nil {
		params = append(params, *filter.DealID)
		where = append(where, fmt.Sprintf("deal_id = $%d", len(params)))
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	params = append(params, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, deal_id, entry_type, beneficiary_user_id, amount_cents, currency, status,
		                    earned_at, approved_at, paid_at, approved_by_user_id, metadata_json, created_at, updated_at
		             FROM ledger_entries %s
		             ORDER BY earned_at DESC
		             LIMIT $%d OFFSET $%d`, whereSQL, len(params)-1, len(params)),
		params...,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e         model.LedgerEntry
			entryType string
			status    string
		)
		if err := rows.Scan(
			&e.ID, &e.DealID, &entryType, &e.BeneficiaryUserID, &e.AmountCents, &e.Currency, &status,
			&e.EarnedAt, &e.ApprovedAt, &e.PaidAt, &e.ApprovedByUserID, &e.MetadataJSON, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.EntryType = model.LedgerEntryType(entryType)
		e.Status = model.LedgerEntryStatus(status)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApproveLedgerEntries переводит записи из EARNED в APPROVED и возвращает
// число обновлённых строк. Записи в других статусах пропускаются.
func (r *PostgresRepository) ApproveLedgerEntries(ctx context.Context, entryIDs []string, actorID string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var updated int64
	for _, id := range entryIDs {
		tag, err := tx.Exec(ctx,
			`UPDATE ledger_entries SET status = $1, approved_at = now(), approved_by_user_id = $2, updated_at = now()
			 WHERE id = $3 AND status = $4`,
			string(model.LedgerStatusApproved), actorID, id, string(model.LedgerStatusEarned),
		)
		if err != nil {
			return 0, fmt.Errorf("approve ledger entry: %w", err)
		}
		updated += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return updated, nil
}
