package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kirillm/perp-agent/internal/domain"
)

// AdvancedOrderRepository реализует работу с advanced-ордерами и их журналами
type AdvancedOrderRepository struct {
	db *sql.DB
}

// NewAdvancedOrderRepository создает новый репозиторий advanced-ордеров
func NewAdvancedOrderRepository(db *sql.DB) *AdvancedOrderRepository {
	return &AdvancedOrderRepository{db: db}
}

// Save сохраняет новый advanced-ордер
func (r *AdvancedOrderRepository) Save(o *domain.AdvancedOrder) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = time.Now()

	params, err := json.Marshal(o.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO advanced_orders
			(id, user_id, symbol, side, order_type, status, total_size, executed_size,
			 params, child_order_ids, error_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(
		query,
		o.ID,
		o.UserID,
		o.Symbol,
		o.Side,
		o.OrderType,
		o.Status,
		o.TotalSize,
		o.ExecutedSize,
		params,
		pq.Array(o.ChildOrderIDs),
		o.ErrorCount,
		o.LastError,
		o.CreatedAt,
		o.UpdatedAt,
	)
	return err
}

// Update обновляет мутабельные поля ордера
func (r *AdvancedOrderRepository) Update(o *domain.AdvancedOrder) error {
	o.UpdatedAt = time.Now()

	params, err := json.Marshal(o.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		UPDATE advanced_orders
		SET status = $1, executed_size = $2, params = $3, child_order_ids = $4,
		    error_count = $5, last_error = $6, updated_at = $7
		WHERE id = $8
	`
	_, err = r.db.Exec(
		query,
		o.Status,
		o.ExecutedSize,
		params,
		pq.Array(o.ChildOrderIDs),
		o.ErrorCount,
		o.LastError,
		o.UpdatedAt,
		o.ID,
	)
	return err
}

// Get возвращает ордер по идентификатору
func (r *AdvancedOrderRepository) Get(id string) (*domain.AdvancedOrder, error) {
	query := selectAdvanced + ` WHERE id = $1`
	o, err := scanAdvanced(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: advanced order %s", domain.ErrNotFound, id)
	}
	return o, err
}

// GetActive возвращает активные ордера пользователя, старые первыми
func (r *AdvancedOrderRepository) GetActive(userID string) ([]domain.AdvancedOrder, error) {
	query := selectAdvanced + ` WHERE user_id = $1 AND status = $2 ORDER BY created_at`
	return r.queryMany(query, userID, domain.AdvancedStatusActive)
}

// List возвращает все ордера пользователя, новые первыми
func (r *AdvancedOrderRepository) List(userID string) ([]domain.AdvancedOrder, error) {
	query := selectAdvanced + ` WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryMany(query, userID)
}

// AppendLog добавляет запись в журнал исполнения
func (r *AdvancedOrderRepository) AppendLog(entry *domain.ExecutionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO advanced_order_executions (order_id, slice_size, price, child_oid, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return r.db.QueryRow(
		query,
		entry.OrderID,
		entry.SliceSize,
		entry.Price,
		entry.ChildOID,
		entry.Note,
		entry.CreatedAt,
	).Scan(&entry.ID)
}

// GetLog возвращает журнал исполнения ордера в порядке записи
func (r *AdvancedOrderRepository) GetLog(orderID string) ([]domain.ExecutionLogEntry, error) {
	query := `
		SELECT id, order_id, slice_size, price, child_oid, note, created_at
		FROM advanced_order_executions
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := r.db.Query(query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ExecutionLogEntry
	for rows.Next() {
		var e domain.ExecutionLogEntry
		err := rows.Scan(&e.ID, &e.OrderID, &e.SliceSize, &e.Price, &e.ChildOID, &e.Note, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

const selectAdvanced = `
	SELECT id, user_id, symbol, side, order_type, status, total_size, executed_size,
	       params, child_order_ids, error_count, last_error, created_at, updated_at
	FROM advanced_orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdvanced(row rowScanner) (*domain.AdvancedOrder, error) {
	var o domain.AdvancedOrder
	var params []byte
	var children pq.Int64Array
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Symbol,
		&o.Side,
		&o.OrderType,
		&o.Status,
		&o.TotalSize,
		&o.ExecutedSize,
		&params,
		&children,
		&o.ErrorCount,
		&o.LastError,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &o.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params of %s: %w", o.ID, err)
	}
	o.ChildOrderIDs = []int64(children)
	return &o, nil
}

func (r *AdvancedOrderRepository) queryMany(query string, args ...any) ([]domain.AdvancedOrder, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.AdvancedOrder
	for rows.Next() {
		o, err := scanAdvanced(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	return orders, rows.Err()
}
