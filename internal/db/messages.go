package db

import (
	"context"
	"fmt"
	"time"

	"github.com/4xmen/peyk/internal/models"
)

// LoadConversation returns every stored message of a conversation in timeline order.
func (db *DB) LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender_id, sender_name, text, image_ref, server_ts, edited, deleted
		FROM messages
		WHERE conversation_id = ?
		ORDER BY server_ts, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			m  models.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Text, &m.ImageRef, &ts, &m.Edited, &m.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ConversationID = conversationID
		m.ServerTimestamp = time.Unix(0, ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (db *DB) InsertMessage(ctx context.Context, m models.Message) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, id, sender_id, sender_name, text, image_ref, server_ts, edited, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Text, m.ImageRef, m.ServerTimestamp.UnixNano(), m.Edited, m.Deleted)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// UpdateMessages rewrites the mutable fields of msgs in a single transaction.
func (db *DB) UpdateMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE messages
		SET sender_name = ?, text = ?, image_ref = ?, edited = ?, deleted = ?
		WHERE conversation_id = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.SenderName, m.Text, m.ImageRef, m.Edited, m.Deleted, m.ConversationID, m.ID); err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// SenderConversations lists the conversations in which userID has sent messages.
func (db *DB) SenderConversations(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT DISTINCT conversation_id FROM messages WHERE sender_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
