package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/chat"
	"github.com/matheus3301/wastechat/internal/reconcile"
	"github.com/matheus3301/wastechat/internal/store"
	"go.uber.org/zap"
)

// Stop ends the running generation client side. The partial answer is kept
// and marked failed. The backend is not told.
func (p *Pipeline) Stop() {
	p.abandonStream("stopped")
}

// abandonStream disconnects the stream and settles the placeholder it was
// feeding.
func (p *Pipeline) abandonStream(reason string) {
	p.mu.Lock()
	id, chatID := p.assistantID, p.chatID
	p.assistantID = ""
	var (
		m     chat.Message
		found bool
	)
	if id != "" {
		var i int
		if i, found = reconcile.Find(p.messages, id); found {
			p.messages[i].Status = chat.StatusFailed
			m = p.messages[i]
		}
	}
	p.mu.Unlock()

	p.streamer.Disconnect()
	if found {
		p.logger.Info("generation abandoned", zap.String("chat_id", chatID), zap.String("reason", reason))
		p.publish(bus.KindMessageUpserted, chatID, MessageEvent{ChatID: chatID, Message: m})
		_ = p.persist(context.Background(), chatID, m)
	}
}

// reset clears the session for a new chat and returns the new epoch.
func (p *Pipeline) reset(chatID string, loadingHistory bool) uint64 {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	p.abandonStream("chat changed")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	p.chatID = chatID
	p.messages = nil
	p.loading = false
	p.redrain = false
	p.loadingHistory = loadingHistory
	p.historyLoaded = false
	p.cursor = ""
	p.hasMore = false
	p.jobID = ""
	p.lastErr = nil
	p.publish(bus.KindQueueChanged, chatID, []chat.QueuedMessage(nil))
	return p.epoch
}

// NewChat clears the session and asks the backend for a fresh chat.
func (p *Pipeline) NewChat(ctx context.Context, title string) (*chat.Summary, error) {
	if !p.alive.Load() {
		return nil, ErrClosed
	}
	epoch := p.reset("", false)
	summary, err := p.backend.CreateChat(ctx, title)
	if err != nil {
		return nil, &SendError{Op: OpCreateChat, Err: err}
	}
	p.mu.Lock()
	if !p.currentLocked(epoch) {
		p.mu.Unlock()
		return nil, p.staleErr()
	}
	p.chatID = summary.ID
	p.historyLoaded = true
	p.mu.Unlock()
	p.publish(bus.KindChatChanged, summary.ID, *summary)
	return summary, nil
}

// SwitchChat opens an existing chat: local records are merged with the most
// recent history page. On a backend failure the local records are shown and
// the error returned.
func (p *Pipeline) SwitchChat(ctx context.Context, chatID string) error {
	if !p.alive.Load() {
		return ErrClosed
	}
	if chatID == "" {
		return fmt.Errorf("switch chat: empty chat id")
	}
	epoch := p.reset(chatID, true)

	records, err := p.store.GetMessages(ctx, chatID)
	if err != nil {
		p.logger.Warn("read local messages failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	local := messagesOf(records)

	detail, fetchErr := p.backend.GetChat(ctx, chatID, "", p.pageSize)
	var merged []chat.Message
	if fetchErr == nil {
		merged = reconcile.Merge(detail.Messages, local)
	} else {
		merged = local
		reconcile.Sort(merged)
	}

	p.mu.Lock()
	if !p.currentLocked(epoch) {
		p.mu.Unlock()
		return p.staleErr()
	}
	p.messages = merged
	p.loadingHistory = false
	p.historyLoaded = fetchErr == nil
	if fetchErr == nil {
		p.cursor = detail.NextCursor
		p.hasMore = detail.HasMore
	}
	p.mu.Unlock()

	if fetchErr != nil {
		return fmt.Errorf("switch chat %s: %w", chatID, fetchErr)
	}
	p.recordSync(ctx, chatID, detail.Messages, detail.NextCursor, detail.HasMore, detail.Chat.MessageCount)
	p.publish(bus.KindChatChanged, chatID, detail.Chat)
	return nil
}

// LoadOlder prepends the next older history page and returns how many
// messages were added.
func (p *Pipeline) LoadOlder(ctx context.Context) (int, error) {
	if !p.alive.Load() {
		return 0, ErrClosed
	}
	p.mu.Lock()
	chatID, cursor, hasMore, epoch := p.chatID, p.cursor, p.hasMore, p.epoch
	if chatID == "" || !hasMore || p.loadingHistory {
		p.mu.Unlock()
		return 0, nil
	}
	p.loadingHistory = true
	p.mu.Unlock()

	detail, err := p.backend.GetChat(ctx, chatID, cursor, p.pageSize)

	p.mu.Lock()
	if !p.currentLocked(epoch) {
		p.mu.Unlock()
		return 0, p.staleErr()
	}
	p.loadingHistory = false
	if err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("load older: %w", err)
	}
	before := len(p.messages)
	p.messages = reconcile.Prepend(reconcile.FromServerAll(detail.Messages), p.messages)
	added := len(p.messages) - before
	p.cursor = detail.NextCursor
	p.hasMore = detail.HasMore
	p.mu.Unlock()

	p.recordSync(ctx, chatID, detail.Messages, detail.NextCursor, detail.HasMore, detail.Chat.MessageCount)
	return added, nil
}

func (p *Pipeline) recordSync(ctx context.Context, chatID string, page []chat.ServerMessage, cursor string, hasMore bool, count int) {
	if err := p.store.SaveMessages(ctx, chatID, reconcile.FromServerAll(page)); err != nil {
		p.logger.Warn("cache history failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	if err := p.store.PutSyncMetadata(ctx, chat.SyncMetadata{
		ChatID:       chatID,
		LastSyncAt:   p.now(),
		Cursor:       cursor,
		HasMore:      hasMore,
		MessageCount: count,
	}); err != nil {
		p.logger.Warn("sync metadata failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// Regenerate drops the target assistant message and everything after it,
// then resends the nearest preceding user message.
func (p *Pipeline) Regenerate(ctx context.Context, assistantID string) error {
	if !p.alive.Load() {
		return ErrClosed
	}
	streaming := p.streamer.IsStreaming()
	p.mu.Lock()
	if streaming || p.loading || p.sending.Load() {
		p.mu.Unlock()
		return ErrBusy
	}
	i, ok := reconcile.Find(p.messages, assistantID)
	if !ok || p.messages[i].Role != chat.RoleAssistant {
		p.mu.Unlock()
		return ErrNotFound
	}
	var user *chat.Message
	for j := i - 1; j >= 0; j-- {
		if p.messages[j].Role == chat.RoleUser {
			u := p.messages[j]
			user = &u
			break
		}
	}
	if user == nil {
		p.mu.Unlock()
		return fmt.Errorf("regenerate: %w: no preceding user message", ErrNotFound)
	}
	p.messages = p.messages[:i]
	p.mu.Unlock()

	err := p.Send(ctx, SendInput{Content: user.Content, ImageURL: user.ImageURL})
	if errors.Is(err, ErrInFlight) {
		return ErrBusy
	}
	return err
}

func messagesOf(records []store.Record) []chat.Message {
	out := make([]chat.Message, 0, len(records))
	for _, r := range records {
		out = append(out, r.Message)
	}
	return out
}
