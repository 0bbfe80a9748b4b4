package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
)

// ProtectiveStateRepository реализует работу с состоянием защитных ордеров
type ProtectiveStateRepository struct {
	db *sql.DB
}

// NewProtectiveStateRepository создает новый репозиторий защитных состояний
func NewProtectiveStateRepository(db *sql.DB) *ProtectiveStateRepository {
	return &ProtectiveStateRepository{db: db}
}

// Get возвращает состояние по пользователю и символу
func (r *ProtectiveStateRepository) Get(userID, symbol string) (*domain.ProtectiveOrderState, error) {
	query := `
		SELECT user_id, symbol, initial_stop_loss, current_stop_loss, current_take_profit,
		       stop_loss_state, manual_override, last_adjustment_at
		FROM protective_order_states
		WHERE user_id = $1 AND symbol = $2
	`
	var s domain.ProtectiveOrderState
	err := r.db.QueryRow(query, userID, symbol).Scan(
		&s.UserID,
		&s.Symbol,
		&s.InitialStopLoss,
		&s.CurrentStopLoss,
		&s.CurrentTakeProfit,
		&s.StopLossState,
		&s.ManualOverride,
		&s.LastAdjustmentAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: protective state %s/%s", domain.ErrNotFound, userID, symbol)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetAll возвращает все состояния пользователя
func (r *ProtectiveStateRepository) GetAll(userID string) ([]domain.ProtectiveOrderState, error) {
	query := `
		SELECT user_id, symbol, initial_stop_loss, current_stop_loss, current_take_profit,
		       stop_loss_state, manual_override, last_adjustment_at
		FROM protective_order_states
		WHERE user_id = $1
		ORDER BY symbol
	`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.ProtectiveOrderState
	for rows.Next() {
		var s domain.ProtectiveOrderState
		err := rows.Scan(
			&s.UserID,
			&s.Symbol,
			&s.InitialStopLoss,
			&s.CurrentStopLoss,
			&s.CurrentTakeProfit,
			&s.StopLossState,
			&s.ManualOverride,
			&s.LastAdjustmentAt,
		)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}

	return states, rows.Err()
}

// Save вставляет или обновляет состояние по ключу (user_id, symbol)
func (r *ProtectiveStateRepository) Save(s *domain.ProtectiveOrderState) error {
	if s.LastAdjustmentAt.IsZero() {
		s.LastAdjustmentAt = time.Now()
	}
	query := `
		INSERT INTO protective_order_states
			(user_id, symbol, initial_stop_loss, current_stop_loss, current_take_profit,
			 stop_loss_state, manual_override, last_adjustment_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			initial_stop_loss = EXCLUDED.initial_stop_loss,
			current_stop_loss = EXCLUDED.current_stop_loss,
			current_take_profit = EXCLUDED.current_take_profit,
			stop_loss_state = EXCLUDED.stop_loss_state,
			manual_override = EXCLUDED.manual_override,
			last_adjustment_at = EXCLUDED.last_adjustment_at
	`
	_, err := r.db.Exec(
		query,
		s.UserID,
		s.Symbol,
		s.InitialStopLoss,
		s.CurrentStopLoss,
		s.CurrentTakeProfit,
		s.StopLossState,
		s.ManualOverride,
		s.LastAdjustmentAt,
	)
	return err
}

// Delete удаляет состояние символа
func (r *ProtectiveStateRepository) Delete(userID, symbol string) error {
	_, err := r.db.Exec(
		`DELETE FROM protective_order_states WHERE user_id = $1 AND symbol = $2`,
		userID, symbol,
	)
	return err
}
