package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/helpdesk-agent-gateway/internal/transcript"
)

// TranscriptRepo пишет строки диалогов в Postgres пакетами.
type TranscriptRepo struct {
	db *sql.DB
}

func NewTranscriptRepo(connString string) (*TranscriptRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &TranscriptRepo{db: db}, nil
}

// Ping проверяет доступность базы при старте.
func (r *TranscriptRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *TranscriptRepo) Close() error {
	return r.db.Close()
}

// WriteBatch сохраняет пачку строк одним INSERT.
func (r *TranscriptRepo) WriteBatch(ctx context.Context, entries []transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	// Количество колонок в таблице conversation_messages
	numFields := 4
	placeholderStr := ""
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d),", p+1, p+2, p+3, p+4)
		vals = append(vals, e.ConversationID, e.Role, e.Content, e.CreatedAt)
	}

	query := fmt.Sprintf(
		"INSERT INTO conversation_messages (conversation_id, role, content, created_at) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
