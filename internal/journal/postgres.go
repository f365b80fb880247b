package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/spaceai-fleet-runtime/internal/domain"
)

// PostgresStorage пишет события жизненного цикла в таблицу lifecycle_events.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(connString string) (*PostgresStorage, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("journal: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStorage{db: db}, nil
}

// Ping проверяет доступность базы при старте
func (r *PostgresStorage) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresStorage) Close() error {
	return r.db.Close()
}

func (r *PostgresStorage) WriteBatch(ctx context.Context, events []domain.LifecycleEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице lifecycle_events
	numFields := 9
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		details, _ := json.Marshal(e.Details)

		vals = append(vals,
			e.ID, e.AgentID, e.AgentType, e.TenantID,
			e.EventType, string(e.FromState), string(e.ToState), details, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO lifecycle_events (id, agent_id, agent_type, tenant_id, event_type, from_state, to_state, details, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
