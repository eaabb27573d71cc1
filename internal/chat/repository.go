package chat

import (
	"context"
	"database/sql"
	"fmt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateChat inserts the chat row and its members in one transaction.
func (r *Repository) CreateChat(ctx context.Context, isGroup bool, name *string, memberIDs []int) (*Chat, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c := &Chat{IsGroup: isGroup, Name: name}
	query := "INSERT INTO chats (is_group, chat_name) VALUES ($1, $2) RETURNING chat_id, created_at"
	if err := tx.QueryRowContext(ctx, query, isGroup, name).Scan(&c.ID, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}

	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx, "INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)", c.ID, uid); err != nil {
			return nil, fmt.Errorf("insert member %d: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.MemberIDs = memberIDs
	return c, nil
}

func (r *Repository) UserExists(ctx context.Context, userID int) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)", userID).Scan(&ok)
	return ok, err
}

func (r *Repository) IsMember(ctx context.Context, userID, chatID int) (bool, error) {
	var ok bool
	query := "SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)"
	err := r.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok)
	return ok, err
}

// ListChatsForUser returns the user's chats, newest first, with member ids filled in.
func (r *Repository) ListChatsForUser(ctx context.Context, userID int) ([]Chat, error) {
	query := `
		SELECT c.chat_id, c.is_group, c.chat_name, c.created_at
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.chat_id
		WHERE m.user_id = $1
		ORDER BY c.created_at DESC, c.chat_id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []Chat{}
	index := make(map[int]int)
	for rows.Next() {
		var c Chat
		var name sql.NullString
		if err := rows.Scan(&c.ID, &c.IsGroup, &name, &c.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			c.Name = &name.String
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.MemberIDs = []int{}
		index[c.ID] = len(chats)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return chats, nil
	}

	members, err := r.db.QueryContext(ctx, `
		SELECT chat_id, user_id FROM chat_members
		WHERE chat_id IN (SELECT chat_id FROM chat_members WHERE user_id = $1)
		ORDER BY chat_id, user_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer members.Close()

	for members.Next() {
		var chatID, uid int
		if err := members.Scan(&chatID, &uid); err != nil {
			return nil, err
		}
		if i, ok := index[chatID]; ok {
			chats[i].MemberIDs = append(chats[i].MemberIDs, uid)
		}
	}
	return chats, members.Err()
}

// ChatIDsForUser is the cheap variant used when a live connection opens.
func (r *Repository) ChatIDsForUser(ctx context.Context, userID int) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT chat_id FROM chat_members WHERE user_id = $1", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
