package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository is the durable store for flushed messages.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertBatch writes records in one transaction, in slice order. Either all
// rows are committed or none are.
func (r *Repository) InsertBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (chat_id, sender_id, content, created_at) VALUES ($1, $2, $3, $4)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.ChatID, rec.SenderID, rec.Content, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListBefore returns up to limit messages of chatID created strictly before
// before, newest first.
func (r *Repository) ListBefore(ctx context.Context, chatID int, before time.Time, limit int) ([]Message, error) {
	query := `
		SELECT message_id, chat_id, sender_id, content, created_at
		FROM messages
		WHERE chat_id = $1 AND created_at < $2
		ORDER BY created_at DESC, message_id DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, chatID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
