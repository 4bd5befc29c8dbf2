// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRequestNotFound возвращается, если приглашение с указанным идентификатором не найдено.
var (
	ErrRequestNotFound = errors.New("enrollment request not found")
	// ErrAlreadyProcessed возвращается, если приглашение уже обработано другим ответом.
	ErrAlreadyProcessed = errors.New("enrollment request already processed")
	// ErrCardNotFound возвращается, если карта для пары (клиент, программа) не найдена.
	ErrCardNotFound = errors.New("loyalty card not found")
	// ErrCardExists возвращается при попытке создать вторую карту для пары (клиент, программа).
	ErrCardExists = errors.New("loyalty card already exists")
	// ErrNotificationNotFound возвращается, если уведомление не найдено у получателя.
	ErrNotificationNotFound = errors.New("notification not found")
)

// requestKindEnrollment — вид заявок, обрабатываемых этим репозиторием.
const requestKindEnrollment = "ENROLLMENT"

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

// withRetry повторяет операцию при сбоях сериализации и дедлоках.
// Сетевыми переподключениями занимается pgxpool.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const requestColumns = `er.id, er.customer_id, er.business_id, er.program_id,
	COALESCE(p.name, ''), COALESCE(b.name, ''), er.status, er.data, er.created_at`

func scanRequest(row pgx.Row) (*model.EnrollmentRequest, error) {
	var (
		req    model.EnrollmentRequest
		status string
		data   []byte
	)

	err := row.Scan(&req.ID, &req.CustomerID, &req.BusinessID, &req.ProgramID,
		&req.ProgramName, &req.BusinessName, &status, &data, &req.CreatedAt)
	if err != nil {
		return nil, err
	}

	req.Status = model.RequestStatus(status)

	if len(data) > 0 {
		if err := json.Unmarshal(data, &req.Data); err != nil {
			return nil, fmt.Errorf("unmarshal request data: %w", err)
		}
	}

	return &req, nil
}

// GetEnrollmentRequest возвращает приглашение вместе с отображаемыми именами программы и бизнеса.
func (r *PostgresRepository) GetEnrollmentRequest(ctx context.Context, id string) (*model.EnrollmentRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+`
		 FROM enrollment_requests er
		 LEFT JOIN programs p ON p.id = er.program_id
		 LEFT JOIN businesses b ON b.id = er.business_id
		 WHERE er.id = $1 AND er.kind = $2`,
		id, requestKindEnrollment,
	)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get enrollment request: %w", err)
	}

	return req, nil
}

// GetPendingRequestsByCustomer возвращает необработанные приглашения клиента.
func (r *PostgresRepository) GetPendingRequestsByCustomer(ctx context.Context, customerID string) ([]model.EnrollmentRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM enrollment_requests er
		 LEFT JOIN programs p ON p.id = er.program_id
		 LEFT JOIN businesses b ON b.id = er.business_id
		 WHERE er.customer_id = $1 AND er.kind = $2 AND er.status = $3
		 ORDER BY er.created_at DESC`,
		customerID, requestKindEnrollment, string(model.RequestStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("select pending requests: %w", err)
	}
	defer rows.Close()

	var res []model.EnrollmentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		res = append(res, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CommitDecision фиксирует решение по приглашению: переводит статус из PENDING
// в итоговый и помечает связанные уведомления обработанными. Обе записи выполняются
// в одной транзакции; перевод статуса — compare-and-swap, поэтому из двух
// конкурентных ответов зафиксируется ровно один.
func (r *PostgresRepository) CommitDecision(ctx context.Context, requestID string, status model.RequestStatus) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE enrollment_requests
			 SET status = $2, updated_at = now()
			 WHERE id = $1 AND status = $3`,
			requestID, string(status), string(model.RequestStatusPending),
		)
		if err != nil {
			return fmt.Errorf("update request status: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return ErrAlreadyProcessed
		}

		_, err = tx.Exec(ctx,
			`UPDATE notifications
			 SET action_taken = TRUE, requires_action = FALSE
			 WHERE reference_id = $1 AND requires_action`,
			requestID,
		)
		if err != nil {
			return fmt.Errorf("mark notifications actioned: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// EnsureEnrollment создаёт членство клиента в программе или реактивирует существующее.
func (r *PostgresRepository) EnsureEnrollment(ctx context.Context, customerID, programID, businessID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO program_enrollments (customer_id, program_id, business_id, status)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (customer_id, program_id)
			 DO UPDATE SET status = $4, updated_at = now()`,
			customerID, programID, businessID, string(model.EnrollmentStatusActive),
		)
		if err != nil {
			return fmt.Errorf("ensure enrollment: %w", err)
		}
		return nil
	})
}

const cardColumns = `id, customer_id, business_id, program_id, card_number,
	tier, points, multiplier::text, active, created_at`

func scanCard(row pgx.Row) (*model.LoyaltyCard, error) {
	var (
		card       model.LoyaltyCard
		multiplier string
	)

	err := row.Scan(&card.ID, &card.CustomerID, &card.BusinessID, &card.ProgramID,
		&card.Number, &card.Tier, &card.Points, &multiplier, &card.Active, &card.CreatedAt)
	if err != nil {
		return nil, err
	}

	card.Multiplier, err = decimal.NewFromString(multiplier)
	if err != nil {
		return nil, fmt.Errorf("parse multiplier: %w", err)
	}

	return &card, nil
}

// GetCardByCustomerProgram возвращает карту клиента в указанной программе.
func (r *PostgresRepository) GetCardByCustomerProgram(ctx context.Context, customerID, programID string) (*model.LoyaltyCard, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+cardColumns+`
		 FROM loyalty_cards
		 WHERE customer_id = $1 AND program_id = $2`,
		customerID, programID,
	)

	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("get card: %w", err)
	}

	return card, nil
}

// CreateCard создаёт новую карту лояльности. Уникальность пары (клиент, программа)
// обеспечивается ограничением в БД: при нарушении возвращается ErrCardExists.
func (r *PostgresRepository) CreateCard(ctx context.Context, card *model.LoyaltyCard) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO loyalty_cards
		 (id, customer_id, business_id, program_id, card_number, tier, points, multiplier, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		card.ID, card.CustomerID, card.BusinessID, card.ProgramID,
		card.Number, card.Tier, card.Points, card.Multiplier.String(), card.Active,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: customer %s program %s", ErrCardExists, card.CustomerID, card.ProgramID)
		}
		return fmt.Errorf("create card: %w", err)
	}

	return nil
}

// GetCardsByCustomer возвращает все карты клиента.
func (r *PostgresRepository) GetCardsByCustomer(ctx context.Context, customerID string) ([]model.LoyaltyCard, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+cardColumns+`
		 FROM loyalty_cards
		 WHERE customer_id = $1
		 ORDER BY created_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cards: %w", err)
	}
	defer rows.Close()

	var res []model.LoyaltyCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		res = append(res, *card)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertRelationship помечает, что у клиента есть активная связь с бизнесом.
func (r *PostgresRepository) UpsertRelationship(ctx context.Context, customerID, businessID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO customer_business_relationships (customer_id, business_id, status)
		 VALUES ($1, $2, 'ACTIVE')
		 ON CONFLICT (customer_id, business_id)
		 DO UPDATE SET status = 'ACTIVE', updated_at = now()`,
		customerID, businessID,
	)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}

	return nil
}

// CreateNotification сохраняет уведомление для получателя.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n *model.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO notifications
		 (id, recipient_id, business_id, type, title, message, data,
		  requires_action, action_taken, is_read, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.RecipientID, n.BusinessID, string(n.Type), n.Title, n.Message, data,
		n.RequiresAction, n.ActionTaken, n.IsRead, n.ReferenceID,
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	return nil
}

// GetNotificationsByRecipient возвращает последние уведомления получателя.
func (r *PostgresRepository) GetNotificationsByRecipient(ctx context.Context, recipientID string, limit int) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, recipient_id, business_id, type, title, message, data,
		        requires_action, action_taken, is_read, reference_id, created_at
		 FROM notifications
		 WHERE recipient_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		recipientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var (
			n                model.Notification
			notificationType string
			data             []byte
		)

		err := rows.Scan(&n.ID, &n.RecipientID, &n.BusinessID, &notificationType, &n.Title, &n.Message, &data,
			&n.RequiresAction, &n.ActionTaken, &n.IsRead, &n.ReferenceID, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}

		n.Type = model.NotificationType(notificationType)

		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("unmarshal notification data: %w", err)
			}
		}

		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkNotificationRead помечает уведомление получателя прочитанным.
func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`,
		id, recipientID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}

	return nil
}
