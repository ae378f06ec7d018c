package bus

import "time"

// Event kinds. Subscribers filter by namespace prefix ("stream.", "pipeline.", "store.").
const (
	KindStreamState    = "stream.state_changed"
	KindStreamToken    = "stream.token"
	KindStreamProgress = "stream.progress"
	KindStreamDone     = "stream.done"

	KindMessageUpserted = "pipeline.message_upserted"
	KindQueueChanged    = "pipeline.queue_changed"
	KindSendFailed      = "pipeline.send_failed"
	KindChatChanged     = "pipeline.chat_changed"

	KindStoreEvicted = "store.evicted"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	ChatID    string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind, chatID string, payload any) Event {
	return Event{Kind: kind, ChatID: chatID, Timestamp: time.Now(), Payload: payload}
}
