package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	// pendingIndexName — unique constraint (user_id, purchasable_id) в таблице
	// purchase_pending_items; именно он делает дедупликацию отправок атомарной:
	// пересечение наборов товаров хотя бы по одной позиции даёт конфликт.
	pendingIndexName = "uq_pending_items_user_item"
)

const attemptColumns = `
	id, code, user_id, creator_mail, kind, processor, state, items_key,
	order_doc, pricing, charge_id, failure_text, synced, notified_at,
	context, description, gift, invitation, linked_from_id,
	version, started_at, updated_at
`

type attemptRepository struct {
	db *sql.DB
}

// NewAttemptRepository создаёт PostgreSQL-реализацию AttemptRepository.
func NewAttemptRepository(store *Store) domain.AttemptRepository {
	return &attemptRepository{db: store.DB()}
}

// NewChargeTaskRepository создаёт PostgreSQL-реализацию ChargeTaskRepository
// поверх того же подключения.
func NewChargeTaskRepository(store *Store) domain.ChargeTaskRepository {
	return &chargeTaskRepository{db: store.DB()}
}

// CreatePending вставляет попытку, поитемные pending-строки и задачу на
// списание в одной транзакции. Конкурентная отправка, пересекающаяся хотя бы
// по одной позиции, упирается в unique constraint; проигравшая транзакция
// откатывается, и возвращается попытка-победитель.
func (r *attemptRepository) CreatePending(attempt domain.PurchaseAttempt, task domain.ChargeTask) (domain.PurchaseAttempt, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PurchaseAttempt{}, false, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.insertAttemptTx(ctx, tx, &attempt); err != nil {
		return domain.PurchaseAttempt{}, false, err
	}

	if err = r.insertPendingItemsTx(ctx, tx, &attempt); err != nil {
		if isPendingIndexViolation(err) {
			_ = tx.Rollback()
			err = nil

			winner, findErr := r.findPendingWinner(ctx, attempt.UserID, attempt.Order.PurchasableIDs())
			if findErr != nil {
				return domain.PurchaseAttempt{}, false, findErr
			}
			return winner, false, nil
		}
		return domain.PurchaseAttempt{}, false, err
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO charge_tasks (
			id, attempt_id, token, expected_amount_minor, tenant, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',$6,$6)
	`,
		task.ID, task.AttemptID, task.Token, task.ExpectedAmountMinor, task.Tenant, task.CreatedAt,
	); err != nil {
		err = fmt.Errorf("insert charge task: %w", err)
		return domain.PurchaseAttempt{}, false, err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit create pending attempt: %w", err)
		return domain.PurchaseAttempt{}, false, err
	}

	return attempt, true, nil
}

func (r *attemptRepository) Create(attempt domain.PurchaseAttempt) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return withinTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.insertAttemptTx(ctx, tx, &attempt); err != nil {
			return err
		}
		if attempt.IsPending() {
			return r.insertPendingItemsTx(ctx, tx, &attempt)
		}
		return nil
	})
}

func (r *attemptRepository) insertAttemptTx(ctx context.Context, tx *sql.Tx, attempt *domain.PurchaseAttempt) error {
	doc, err := marshalAttemptDocs(attempt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_attempts (`+attemptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		attempt.ID, attempt.Code, attempt.UserID, attempt.CreatorMail,
		string(attempt.Kind), attempt.Processor, string(attempt.State), attempt.Order.ItemsKey(),
		doc.order, doc.pricing, attempt.ChargeID, attempt.FailureText,
		attempt.Synced, nullTime(attempt.NotifiedAt),
		doc.context, attempt.Description, doc.gift, doc.invitation, attempt.LinkedFromID,
		attempt.Version, attempt.StartedAt, attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert purchase attempt: %w", err)
	}

	return nil
}

func (r *attemptRepository) insertPendingItemsTx(ctx context.Context, tx *sql.Tx, attempt *domain.PurchaseAttempt) error {
	for _, item := range attempt.Order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_pending_items (user_id, purchasable_id, attempt_id)
			VALUES ($1,$2,$3)
		`, attempt.UserID, item.PurchasableID, attempt.ID); err != nil {
			return fmt.Errorf("insert pending item: %w", err)
		}
	}
	return nil
}

func (r *attemptRepository) findPendingWinner(ctx context.Context, userID string, itemIDs []string) (domain.PurchaseAttempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM purchase_attempts a
		WHERE a.user_id = $1
		  AND a.state = 'pending'
		  AND EXISTS (
			SELECT 1 FROM purchase_pending_items p
			WHERE p.attempt_id = a.id AND p.purchasable_id = ANY($2)
		  )
		ORDER BY a.started_at ASC, a.id ASC
		LIMIT 1
	`, userID, itemIDs)

	winner, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			// Победитель успел выйти из pending между нашим rollback и SELECT.
			return domain.PurchaseAttempt{}, domain.ErrAttemptVersionConflict
		}
		return domain.PurchaseAttempt{}, err
	}
	return winner, nil
}

func (r *attemptRepository) Get(id string) (domain.PurchaseAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM purchase_attempts
		WHERE id = $1
	`, id)
	return scanAttempt(row)
}

func (r *attemptRepository) GetByCode(code string) (domain.PurchaseAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM purchase_attempts
		WHERE code = $1
	`, code)
	return scanAttempt(row)
}

func (r *attemptRepository) ListByUser(userID string, limit int) ([]domain.PurchaseAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT ` + attemptColumns + `
		FROM purchase_attempts
		WHERE user_id = $1
		ORDER BY started_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (r *attemptRepository) PendingFor(userID string, itemIDs []string) ([]domain.PurchaseAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM purchase_attempts a
		WHERE a.user_id = $1
		  AND a.state = 'pending'
		  AND EXISTS (
			SELECT 1 FROM purchase_pending_items p
			WHERE p.attempt_id = a.id AND p.purchasable_id = ANY($2)
		  )
		ORDER BY a.started_at ASC, a.id ASC
	`, userID, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("list pending attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (r *attemptRepository) ListStalePending(before time.Time, limit int) ([]domain.PurchaseAttempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM purchase_attempts
		WHERE state = 'pending' AND started_at < $1
		ORDER BY started_at ASC, id ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (r *attemptRepository) Save(attempt domain.PurchaseAttempt) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	doc, err := marshalAttemptDocs(&attempt)
	if err != nil {
		return err
	}

	return withinTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE purchase_attempts
			SET state = $1,
			    pricing = $2,
			    charge_id = $3,
			    failure_text = $4,
			    synced = $5,
			    notified_at = $6,
			    context = $7,
			    gift = $8,
			    invitation = $9,
			    version = version + 1,
			    updated_at = $10
			WHERE id = $11
			  AND version = $12
		`,
			string(attempt.State), doc.pricing, attempt.ChargeID, attempt.FailureText,
			attempt.Synced, nullTime(attempt.NotifiedAt),
			doc.context, doc.gift, doc.invitation,
			attempt.UpdatedAt, attempt.ID, attempt.Version,
		)
		if err != nil {
			return fmt.Errorf("update purchase attempt: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := r.attemptExists(ctx, attempt.ID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrAttemptNotFound
			}
			return domain.ErrAttemptVersionConflict
		}

		// Выход из pending освобождает поитемные строки дедупликации в той же
		// транзакции, что и смена состояния.
		if !attempt.IsPending() {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM purchase_pending_items WHERE attempt_id = $1
			`, attempt.ID); err != nil {
				return fmt.Errorf("release pending items: %w", err)
			}
		}

		return nil
	})
}

func (r *attemptRepository) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM purchase_attempts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete purchase attempt: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrAttemptNotFound
	}

	return nil
}

func (r *attemptRepository) attemptExists(ctx context.Context, id string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM purchase_attempts WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check attempt exists: %w", err)
}

type chargeTaskRepository struct {
	db *sql.DB
}

func (r *chargeTaskRepository) PullPending(limit int) ([]domain.ChargeTask, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, attempt_id, token, expected_amount_minor, tenant, created_at
		FROM charge_tasks
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending charge tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.ChargeTask, 0, limit)
	for rows.Next() {
		var task domain.ChargeTask
		if err := rows.Scan(
			&task.ID, &task.AttemptID, &task.Token,
			&task.ExpectedAmountMinor, &task.Tenant, &task.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan charge task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate charge tasks: %w", err)
	}

	return tasks, nil
}

func (r *chargeTaskRepository) MarkDone(id string) error {
	return r.markStatus(id, "done")
}

func (r *chargeTaskRepository) MarkFailed(id string) error {
	return r.markStatus(id, "failed")
}

func (r *chargeTaskRepository) markStatus(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE charge_tasks
		SET status = $2,
		    updated_at = $3
		WHERE id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark charge task as %s: %w", status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for charge task %s: %w", status, err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}

	return nil
}

// attemptDocs — JSONB-представления составных полей попытки.
type attemptDocs struct {
	order      []byte
	pricing    []byte
	context    []byte
	gift       []byte
	invitation []byte
}

func marshalAttemptDocs(attempt *domain.PurchaseAttempt) (attemptDocs, error) {
	var docs attemptDocs
	var err error

	if docs.order, err = json.Marshal(attempt.Order); err != nil {
		return attemptDocs{}, fmt.Errorf("marshal order: %w", err)
	}
	if attempt.Pricing != nil {
		if docs.pricing, err = json.Marshal(attempt.Pricing); err != nil {
			return attemptDocs{}, fmt.Errorf("marshal pricing: %w", err)
		}
	}
	if len(attempt.Context) > 0 {
		if docs.context, err = json.Marshal(attempt.Context); err != nil {
			return attemptDocs{}, fmt.Errorf("marshal context: %w", err)
		}
	}
	if attempt.Gift != nil {
		if docs.gift, err = json.Marshal(attempt.Gift); err != nil {
			return attemptDocs{}, fmt.Errorf("marshal gift details: %w", err)
		}
	}
	if attempt.Invitation != nil {
		if docs.invitation, err = json.Marshal(attempt.Invitation); err != nil {
			return attemptDocs{}, fmt.Errorf("marshal invitation details: %w", err)
		}
	}

	return docs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (domain.PurchaseAttempt, error) {
	var (
		attempt    domain.PurchaseAttempt
		kind       string
		state      string
		itemsKey   string
		orderDoc   []byte
		pricing    []byte
		notifiedAt sql.NullTime
		contextDoc []byte
		gift       []byte
		invitation []byte
	)

	err := row.Scan(
		&attempt.ID, &attempt.Code, &attempt.UserID, &attempt.CreatorMail,
		&kind, &attempt.Processor, &state, &itemsKey,
		&orderDoc, &pricing, &attempt.ChargeID, &attempt.FailureText,
		&attempt.Synced, &notifiedAt,
		&contextDoc, &attempt.Description, &gift, &invitation, &attempt.LinkedFromID,
		&attempt.Version, &attempt.StartedAt, &attempt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PurchaseAttempt{}, domain.ErrAttemptNotFound
		}
		return domain.PurchaseAttempt{}, fmt.Errorf("scan purchase attempt: %w", err)
	}

	attempt.Kind = domain.AttemptKind(kind)
	attempt.State = domain.AttemptState(state)

	if err := json.Unmarshal(orderDoc, &attempt.Order); err != nil {
		return domain.PurchaseAttempt{}, fmt.Errorf("unmarshal order: %w", err)
	}
	if len(pricing) > 0 {
		attempt.Pricing = &domain.PricingResults{}
		if err := json.Unmarshal(pricing, attempt.Pricing); err != nil {
			return domain.PurchaseAttempt{}, fmt.Errorf("unmarshal pricing: %w", err)
		}
	}
	if len(contextDoc) > 0 {
		if err := json.Unmarshal(contextDoc, &attempt.Context); err != nil {
			return domain.PurchaseAttempt{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if len(gift) > 0 {
		attempt.Gift = &domain.GiftDetails{}
		if err := json.Unmarshal(gift, attempt.Gift); err != nil {
			return domain.PurchaseAttempt{}, fmt.Errorf("unmarshal gift details: %w", err)
		}
	}
	if len(invitation) > 0 {
		attempt.Invitation = &domain.InvitationDetails{}
		if err := json.Unmarshal(invitation, attempt.Invitation); err != nil {
			return domain.PurchaseAttempt{}, fmt.Errorf("unmarshal invitation details: %w", err)
		}
	}
	if notifiedAt.Valid {
		ts := notifiedAt.Time.UTC()
		attempt.NotifiedAt = &ts
	}

	return attempt, nil
}

func scanAttempts(rows *sql.Rows) ([]domain.PurchaseAttempt, error) {
	attempts := make([]domain.PurchaseAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}

	return attempts, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isPendingIndexViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == pendingIndexName
	}
	return false
}

var _ domain.AttemptRepository = (*attemptRepository)(nil)
var _ domain.ChargeTaskRepository = (*chargeTaskRepository)(nil)
