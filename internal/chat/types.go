// Package chat holds the message and chat types shared by the store, the
// stream manager, the send pipeline and the reconciliation helpers.
package chat

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a message.
//
//	pending -> streaming -> committed
//	pending|streaming -> failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusCommitted, StatusFailed:
		return true
	}
	return false
}

// InFlight reports whether a message in this status has not reached the server yet.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusStreaming
}

// Message is one chat message as seen by the client.
type Message struct {
	ClientID  string
	ServerID  string
	Role      Role
	Content   string
	ImageURL  string
	CreatedAt time.Time
	Status    Status
}

// Identity returns the message identity: Local until the backend assigns a
// server id, Committed afterwards.
func (m Message) Identity() Identity {
	if m.ServerID != "" {
		return Committed{ServerID: m.ServerID, ClientID: m.ClientID}
	}
	return Local{ClientID: m.ClientID}
}

// ID is the display identifier.
func (m Message) ID() string {
	return m.Identity().DisplayID()
}

// Synced reports whether the message is committed and carries a server id.
func (m Message) Synced() bool {
	return m.Status == StatusCommitted && m.ServerID != ""
}

// HasID reports whether id matches any of the message's identifiers.
func (m Message) HasID(id string) bool {
	if id == "" {
		return false
	}
	return id == m.ClientID || id == m.ServerID || id == m.ID()
}

// Identity is either Local or Committed.
type Identity interface {
	DisplayID() string
	identity()
}

// Local identifies a message the backend has not acknowledged yet.
type Local struct {
	ClientID string
}

func (l Local) DisplayID() string { return l.ClientID }
func (Local) identity()           {}

// Committed identifies a message the backend has acknowledged.
type Committed struct {
	ServerID string
	ClientID string
}

func (c Committed) DisplayID() string { return c.ServerID }
func (Committed) identity()           {}

// ServerMessage is a message record as returned by the chat backend.
type ServerMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary describes a chat as listed by the backend.
type Summary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Preview       string    `json:"preview"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// SyncMetadata tracks the last history fetch for a chat.
type SyncMetadata struct {
	ChatID       string
	LastSyncAt   time.Time
	Cursor       string
	HasMore      bool
	MessageCount int
}

// QueuedMessage is user input waiting for the active generation to finish.
// It lives in memory only.
type QueuedMessage struct {
	ID         string
	Content    string
	ImagePath  string
	ImageURL   string
	EnqueuedAt time.Time
}
