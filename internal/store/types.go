package store

import (
	"time"

	"github.com/matheus3301/wastechat/internal/chat"
)

// Record is a stored message plus the storage-only fields.
type Record struct {
	chat.Message
	ChatID         string
	Synced         bool
	LocalTimestamp time.Time
}

// CleanupOptions bounds how long records stay local.
type CleanupOptions struct {
	// CommittedRetention applies to committed, synced records.
	CommittedRetention time.Duration
	// TTL applies to every record regardless of status.
	TTL time.Duration
}

const (
	DefaultCommittedRetention = 30 * time.Second
	DefaultTTL                = 24 * time.Hour
)

func (o CleanupOptions) withDefaults() CleanupOptions {
	if o.CommittedRetention <= 0 {
		o.CommittedRetention = DefaultCommittedRetention
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}

// Stats are diagnostic counts. Best effort.
type Stats struct {
	Messages     int64
	Chats        int64
	Unsynced     int64
	ByStatus     map[chat.Status]int64
	OldestLocal  time.Time
	SyncMetadata int64
}
