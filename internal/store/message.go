package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/wastechat/internal/chat"
	"go.uber.org/zap"
)

const upsertMessageSQL = `
	INSERT INTO messages (client_id, server_id, chat_id, role, content, image_url, status, synced, created_at, local_timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
		server_id = excluded.server_id,
		chat_id = excluded.chat_id,
		role = excluded.role,
		content = excluded.content,
		image_url = excluded.image_url,
		status = excluded.status,
		synced = excluded.synced,
		local_timestamp = excluded.local_timestamp`

const selectMessageSQL = `
	SELECT client_id, COALESCE(server_id, ''), chat_id, role, content, image_url, status, synced, created_at, local_timestamp
	FROM messages`

// SaveMessage upserts one message by client id.
func (s *Store) SaveMessage(ctx context.Context, chatID string, m chat.Message) error {
	return s.SaveMessages(ctx, chatID, []chat.Message{m})
}

// SaveMessages upserts messages by client id in a single transaction. synced
// is derived from status and server id; local_timestamp is stamped now.
// created_at is kept from the first write.
func (s *Store) SaveMessages(ctx context.Context, chatID string, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if chatID == "" {
		return fmt.Errorf("save messages: empty chat id")
	}
	return s.do(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now().UnixMilli()
		for _, m := range msgs {
			if m.ClientID == "" {
				return fmt.Errorf("save message: empty client id")
			}
			if _, err := tx.ExecContext(ctx, upsertMessageSQL,
				m.ClientID, nullIfEmpty(m.ServerID), chatID, string(m.Role), m.Content, m.ImageURL,
				string(m.Status), m.Synced(), m.CreatedAt.UnixMilli(), now); err != nil {
				return fmt.Errorf("upsert message %q: %w", m.ClientID, err)
			}
		}
		return tx.Commit()
	})
}

// GetMessages returns all messages of a chat ordered by created_at ascending.
func (s *Store) GetMessages(ctx context.Context, chatID string) ([]Record, error) {
	var out []Record
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, selectMessageSQL+`
			WHERE chat_id = ? AND created_at BETWEEN ? AND ?
			ORDER BY chat_id, created_at ASC`, chatID, int64(minInt64), int64(maxInt64))
		if err != nil {
			return err
		}
		out, err = scanRecords(rows)
		return err
	})
	return out, err
}

// GetMessage returns the message with the given client id, or nil if missing.
func (s *Store) GetMessage(ctx context.Context, clientID string) (*Record, error) {
	var rec *Record
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, selectMessageSQL+` WHERE client_id = ?`, clientID)
		if err != nil {
			return err
		}
		recs, err := scanRecords(rows)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			rec = &recs[0]
		}
		return nil
	})
	return rec, err
}

// GetUnsyncedMessages returns the chat's messages that are not committed with a server id.
func (s *Store) GetUnsyncedMessages(ctx context.Context, chatID string) ([]Record, error) {
	var out []Record
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, selectMessageSQL+`
			WHERE chat_id = ? AND synced = FALSE
			ORDER BY created_at ASC`, chatID)
		if err != nil {
			return err
		}
		out, err = scanRecords(rows)
		return err
	})
	return out, err
}

// UpdateMessageStatus sets the status of a message and, when serverID is
// given, its server id. A missing record is logged and ignored.
func (s *Store) UpdateMessageStatus(ctx context.Context, clientID string, status chat.Status, serverID string) error {
	if !status.Valid() {
		return fmt.Errorf("update message status: invalid status %q", status)
	}
	return s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET
				status = ?1,
				server_id = COALESCE(NULLIF(?2, ''), server_id),
				synced = (?1 = 'committed' AND COALESCE(NULLIF(?2, ''), server_id) IS NOT NULL),
				local_timestamp = ?3
			WHERE client_id = ?4`,
			string(status), serverID, s.now().UnixMilli(), clientID)
		if err != nil {
			return fmt.Errorf("update message %q: %w", clientID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.logger.Warn("update status of unknown message",
				zap.String("client_id", clientID), zap.String("status", string(status)))
		}
		return nil
	})
}

// Cleanup deletes records older than opts.TTL regardless of status, and
// committed, synced records older than opts.CommittedRetention. An empty
// chatID cleans every chat. The cutoffs are taken once, so a record written
// after the call started is never deleted by it.
func (s *Store) Cleanup(ctx context.Context, chatID string, opts CleanupOptions) (int64, error) {
	opts = opts.withDefaults()
	now := s.now()
	ttlCutoff := now.Add(-opts.TTL).UnixMilli()
	committedCutoff := now.Add(-opts.CommittedRetention).UnixMilli()

	var deleted int64
	err := s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			DELETE FROM messages
			WHERE (?1 = '' OR chat_id = ?1)
			  AND (local_timestamp < ?2
			       OR (status = 'committed' AND synced = TRUE AND local_timestamp < ?3))`,
			chatID, ttlCutoff, committedCutoff)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		s.logger.Error("cleanup failed", zap.String("chat_id", chatID), zap.Error(err))
		return 0, err
	}
	if deleted > 0 {
		s.logger.Debug("cleanup evicted messages", zap.String("chat_id", chatID), zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// DeleteChat removes every message and the sync metadata of a chat.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	return s.do(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_metadata WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("delete sync metadata: %w", err)
		}
		return tx.Commit()
	})
}

// Clear wipes every table. Used on logout.
func (s *Store) Clear(ctx context.Context) error {
	return s.do(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"messages", "sync_metadata"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return tx.Commit()
	})
}

// GetStats returns diagnostic counts. Failures are logged and yield partial stats.
func (s *Store) GetStats(ctx context.Context) Stats {
	st := Stats{ByStatus: make(map[chat.Status]int64)}
	err := s.do(ctx, func(db *sql.DB) error {
		var oldest sql.NullInt64
		if err := db.QueryRowContext(ctx, `
			SELECT COUNT(*), COUNT(DISTINCT chat_id), COALESCE(SUM(CASE WHEN synced THEN 0 ELSE 1 END), 0), MIN(local_timestamp)
			FROM messages`).Scan(&st.Messages, &st.Chats, &st.Unsynced, &oldest); err != nil {
			return err
		}
		if oldest.Valid {
			st.OldestLocal = time.UnixMilli(oldest.Int64)
		}
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_metadata`).Scan(&st.SyncMetadata); err != nil {
			return err
		}
		rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			st.ByStatus[chat.Status(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		s.logger.Warn("store stats failed", zap.Error(err))
	}
	return st
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r              Record
			role, status   string
			created, local int64
		)
		if err := rows.Scan(&r.ClientID, &r.ServerID, &r.ChatID, &role, &r.Content, &r.ImageURL,
			&status, &r.Synced, &created, &local); err != nil {
			return nil, err
		}
		r.Role = chat.Role(role)
		r.Status = chat.Status(status)
		r.CreatedAt = time.UnixMilli(created)
		r.LocalTimestamp = time.UnixMilli(local)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)
