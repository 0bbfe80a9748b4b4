package repository

import (
	"database/sql"
	"time"

	"github.com/kirillm/perp-agent/internal/domain"
)

// AIDecisionRepository реализует аудит решений decision-слоя
type AIDecisionRepository struct {
	db *sql.DB
}

// NewAIDecisionRepository создает новый репозиторий решений
func NewAIDecisionRepository(db *sql.DB) *AIDecisionRepository {
	return &AIDecisionRepository{db: db}
}

// Save сохраняет запись решения
func (r *AIDecisionRepository) Save(d *domain.AIDecisionRecord) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO ai_decisions (user_id, rationale, raw_response, intent_count, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return r.db.QueryRow(
		query,
		d.UserID,
		d.Rationale,
		d.RawResponse,
		d.IntentCount,
		d.Mode,
		d.CreatedAt,
	).Scan(&d.ID)
}

// GetRecent возвращает последние решения пользователя
func (r *AIDecisionRepository) GetRecent(userID string, limit int) ([]domain.AIDecisionRecord, error) {
	query := `
		SELECT id, user_id, rationale, raw_response, intent_count, mode, created_at
		FROM ai_decisions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.AIDecisionRecord
	for rows.Next() {
		var d domain.AIDecisionRecord
		err := rows.Scan(&d.ID, &d.UserID, &d.Rationale, &d.RawResponse, &d.IntentCount, &d.Mode, &d.CreatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, d)
	}

	return records, rows.Err()
}
