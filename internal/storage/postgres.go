package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/storage/repository"
)

// PostgresStorage является фасадом для работы с PostgreSQL через репозитории.
// Реализует персистентность для bracket-менеджера (защитные состояния),
// advanced-движка (долгоживущие ордера) и аудита решений.
type PostgresStorage struct {
	db         *sql.DB
	protective *repository.ProtectiveStateRepository
	advanced   *repository.AdvancedOrderRepository
	decisions  *repository.AIDecisionRepository
}

func NewPostgresStorage(host string, port int, user, password, dbname, sslmode string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*PostgresStorage, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Настройка connection pool из конфигурации
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	storage := &PostgresStorage{
		db:         db,
		protective: repository.NewProtectiveStateRepository(db),
		advanced:   repository.NewAdvancedOrderRepository(db),
		decisions:  repository.NewAIDecisionRepository(db),
	}

	// Запускаем миграции
	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) migrate() error {
	migrations := []string{
		// Защитные ордера: одна строка на (пользователь, символ)
		`CREATE TABLE IF NOT EXISTS protective_order_states (
			user_id VARCHAR(100) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			initial_stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			current_stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			current_take_profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss_state VARCHAR(20) NOT NULL DEFAULT 'initial',
			manual_override BOOLEAN NOT NULL DEFAULT false,
			last_adjustment_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, symbol)
		)`,
		// Долгоживущие advanced-ордера
		`CREATE TABLE IF NOT EXISTS advanced_orders (
			id UUID PRIMARY KEY,
			user_id VARCHAR(100) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			total_size DECIMAL(20, 8) NOT NULL,
			executed_size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			params JSONB NOT NULL,
			child_order_ids BIGINT[] NOT NULL DEFAULT '{}',
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// Append-only журнал исполнения advanced-ордеров
		`CREATE TABLE IF NOT EXISTS advanced_order_executions (
			id BIGSERIAL PRIMARY KEY,
			order_id UUID NOT NULL REFERENCES advanced_orders(id),
			slice_size DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			child_oid BIGINT NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// Аудит решений decision-слоя
		`CREATE TABLE IF NOT EXISTS ai_decisions (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(100) NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			raw_response TEXT NOT NULL DEFAULT '',
			intent_count INTEGER NOT NULL DEFAULT 0,
			mode VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// Индексы
		`CREATE INDEX IF NOT EXISTS idx_advanced_orders_user_status ON advanced_orders(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_advanced_executions_order ON advanced_order_executions(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_decisions_user_created ON ai_decisions(user_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// ==================== PROTECTIVE STATES ====================

func (s *PostgresStorage) GetProtectiveState(userID, symbol string) (*domain.ProtectiveOrderState, error) {
	return s.protective.Get(userID, symbol)
}

func (s *PostgresStorage) GetAllProtectiveStates(userID string) ([]domain.ProtectiveOrderState, error) {
	return s.protective.GetAll(userID)
}

func (s *PostgresStorage) SaveProtectiveState(state *domain.ProtectiveOrderState) error {
	return s.protective.Save(state)
}

func (s *PostgresStorage) DeleteProtectiveState(userID, symbol string) error {
	return s.protective.Delete(userID, symbol)
}

// ==================== ADVANCED ORDERS ====================

func (s *PostgresStorage) SaveAdvancedOrder(o *domain.AdvancedOrder) error {
	return s.advanced.Save(o)
}

func (s *PostgresStorage) UpdateAdvancedOrder(o *domain.AdvancedOrder) error {
	return s.advanced.Update(o)
}

func (s *PostgresStorage) GetAdvancedOrder(id string) (*domain.AdvancedOrder, error) {
	return s.advanced.Get(id)
}

func (s *PostgresStorage) GetActiveAdvancedOrders(userID string) ([]domain.AdvancedOrder, error) {
	return s.advanced.GetActive(userID)
}

func (s *PostgresStorage) ListAdvancedOrders(userID string) ([]domain.AdvancedOrder, error) {
	return s.advanced.List(userID)
}

func (s *PostgresStorage) AppendExecutionLog(entry *domain.ExecutionLogEntry) error {
	return s.advanced.AppendLog(entry)
}

func (s *PostgresStorage) GetExecutionLog(orderID string) ([]domain.ExecutionLogEntry, error) {
	return s.advanced.GetLog(orderID)
}

// ==================== AI DECISIONS ====================

func (s *PostgresStorage) SaveAIDecision(d *domain.AIDecisionRecord) error {
	return s.decisions.Save(d)
}

func (s *PostgresStorage) GetRecentAIDecisions(userID string, limit int) ([]domain.AIDecisionRecord, error) {
	return s.decisions.GetRecent(userID, limit)
}

// Close закрывает соединение с базой данных
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
