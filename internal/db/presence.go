package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/4xmen/peyk/internal/models"
)

// LoadPresence returns the stored presence of userID. The second result
// is false when the user does not exist.
func (db *DB) LoadPresence(ctx context.Context, userID string) (models.PresenceRecord, bool, error) {
	var (
		online   bool
		lastSeen sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, "SELECT online, last_seen FROM users WHERE id = ?", userID).Scan(&online, &lastSeen)
	if err == sql.ErrNoRows {
		return models.PresenceRecord{UserID: userID}, false, nil
	}
	if err != nil {
		return models.PresenceRecord{}, false, fmt.Errorf("failed to fetch presence: %w", err)
	}

	rec := models.PresenceRecord{UserID: userID, Online: online}
	if lastSeen.Valid {
		rec.LastSeen = time.Unix(0, lastSeen.Int64).UTC()
	}
	return rec, true, nil
}

// SavePresence stores rec on the user's row. Missing users are ignored.
func (db *DB) SavePresence(ctx context.Context, rec models.PresenceRecord) error {
	var lastSeen sql.NullInt64
	if !rec.LastSeen.IsZero() {
		lastSeen = sql.NullInt64{Int64: rec.LastSeen.UnixNano(), Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE users SET online = ?, last_seen = ? WHERE id = ?
	`, rec.Online, lastSeen, rec.UserID)
	if err != nil {
		return fmt.Errorf("failed to save presence: %w", err)
	}
	return nil
}

// ResetPresence marks every user offline. Called at startup, since no
// connection survives a restart.
func (db *DB) ResetPresence(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "UPDATE users SET online = 0 WHERE online = 1"); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	return nil
}
