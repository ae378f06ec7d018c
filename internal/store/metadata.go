package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/wastechat/internal/chat"
)

// PutSyncMetadata records the outcome of a history fetch.
func (s *Store) PutSyncMetadata(ctx context.Context, md chat.SyncMetadata) error {
	return s.do(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sync_metadata (chat_id, last_sync_at, cursor, has_more, message_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				last_sync_at = excluded.last_sync_at,
				cursor = excluded.cursor,
				has_more = excluded.has_more,
				message_count = excluded.message_count,
				updated_at = excluded.updated_at`,
			md.ChatID, md.LastSyncAt.UnixMilli(), md.Cursor, md.HasMore, md.MessageCount, s.now().UnixMilli())
		return err
	})
}

// GetSyncMetadata returns the sync metadata of a chat, or nil if none.
func (s *Store) GetSyncMetadata(ctx context.Context, chatID string) (*chat.SyncMetadata, error) {
	var md *chat.SyncMetadata
	err := s.do(ctx, func(db *sql.DB) error {
		var (
			m        chat.SyncMetadata
			lastSync int64
		)
		err := db.QueryRowContext(ctx, `
			SELECT chat_id, last_sync_at, cursor, has_more, message_count
			FROM sync_metadata WHERE chat_id = ?`, chatID).
			Scan(&m.ChatID, &lastSync, &m.Cursor, &m.HasMore, &m.MessageCount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		m.LastSyncAt = time.UnixMilli(lastSync)
		md = &m
		return nil
	})
	return md, err
}
