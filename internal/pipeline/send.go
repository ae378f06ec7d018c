package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matheus3301/wastechat/internal/backend"
	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/chat"
	"github.com/matheus3301/wastechat/internal/reconcile"
	"github.com/matheus3301/wastechat/internal/stream"
	"go.uber.org/zap"
)

// SendInput is one user message. ImagePath is a local file uploaded before
// the send; ImageURL is an already uploaded image.
type SendInput struct {
	Content   string
	ImagePath string
	ImageURL  string
}

func (in SendInput) empty() bool {
	return strings.TrimSpace(in.Content) == "" && in.ImagePath == "" && in.ImageURL == ""
}

// Submit sends in right away when the pipeline is idle, otherwise queues it.
// It reports whether the input was queued.
func (p *Pipeline) Submit(ctx context.Context, in SendInput) (bool, error) {
	if !p.alive.Load() {
		return false, ErrClosed
	}
	if in.empty() {
		return false, ErrEmpty
	}
	streaming := p.streamer.IsStreaming()
	p.mu.Lock()
	if streaming || p.loading || p.sending.Load() {
		p.enqueueLocked(in, false)
		p.mu.Unlock()
		return true, nil
	}
	p.mu.Unlock()

	err := p.Send(ctx, in)
	if errors.Is(err, ErrInFlight) || errors.Is(err, ErrBusy) {
		p.mu.Lock()
		p.enqueueLocked(in, false)
		p.mu.Unlock()
		return true, nil
	}
	return false, err
}

// Send creates the chat if needed, uploads the image, persists the user
// message, starts the job and connects its stream. A call made while another
// send is being processed returns ErrInFlight, one made while a reply is
// streaming returns ErrBusy; neither has any effect.
func (p *Pipeline) Send(ctx context.Context, in SendInput) error {
	if !p.alive.Load() {
		return ErrClosed
	}
	if in.empty() {
		return ErrEmpty
	}
	if !p.sending.CompareAndSwap(false, true) {
		return ErrInFlight
	}

	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.epoch == epoch {
			p.loading = false
		}
		p.sending.Store(false)
		redrain := p.redrain
		p.redrain = false
		p.mu.Unlock()
		if redrain && !p.streamer.IsStreaming() {
			p.drain()
		}
	}()

	// One generation per chat: a new job would orphan the live stream.
	if p.streamer.IsStreaming() {
		return ErrBusy
	}
	p.mu.Lock()
	p.loading = true
	p.lastErr = nil
	p.mu.Unlock()

	err := p.send(ctx, in, epoch)
	if err != nil && !errors.Is(err, ErrAbandoned) && !errors.Is(err, ErrClosed) {
		p.mu.Lock()
		if p.currentLocked(epoch) {
			p.lastErr = err
		}
		chatID := p.chatID
		p.mu.Unlock()
		p.logger.Warn("send failed", zap.String("chat_id", chatID), zap.Error(err))
		p.publish(bus.KindSendFailed, chatID, err)
	}
	return err
}

func (p *Pipeline) send(ctx context.Context, in SendInput, epoch uint64) error {
	p.mu.Lock()
	chatID := p.chatID
	p.mu.Unlock()

	if chatID == "" {
		summary, err := p.backend.CreateChat(ctx, titleFor(in.Content))
		if err != nil {
			return &SendError{Op: OpCreateChat, Err: err}
		}
		p.mu.Lock()
		if !p.currentLocked(epoch) {
			p.mu.Unlock()
			return p.staleErr()
		}
		p.chatID = summary.ID
		p.historyLoaded = true
		p.mu.Unlock()
		chatID = summary.ID
		p.logger.Info("chat created", zap.String("chat_id", chatID))
		p.publish(bus.KindChatChanged, chatID, *summary)
	}

	imageURL := in.ImageURL
	if imageURL == "" && in.ImagePath != "" {
		u, err := p.backend.UploadImage(ctx, in.ImagePath)
		if err != nil {
			return &SendError{Op: OpUpload, Err: err}
		}
		imageURL = u
	}

	user := chat.Message{
		ClientID:  uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   in.Content,
		ImageURL:  imageURL,
		CreatedAt: p.now(),
		Status:    chat.StatusPending,
	}
	p.mu.Lock()
	if !p.currentLocked(epoch) {
		p.mu.Unlock()
		return p.staleErr()
	}
	p.upsertLocked(user)
	p.mu.Unlock()
	if err := p.persist(ctx, chatID, user); err != nil {
		p.failMessage(ctx, chatID, epoch, user)
		return &SendError{Op: OpPersist, Err: err}
	}

	loc, err := p.locator.Locate(ctx)
	if err != nil {
		p.logger.Warn("location unavailable", zap.Error(err))
		loc = nil
	}

	resp, err := p.backend.SendMessage(ctx, chatID, backend.SendRequest{
		Message:      in.Content,
		ImageURL:     imageURL,
		UserLocation: loc,
	})
	if err != nil {
		p.failMessage(ctx, chatID, epoch, user)
		return &SendError{Op: OpCreateJob, Err: err}
	}

	// The backend owns the message once the job is accepted. Without
	// user_message_id it stays unsynced until a history page supersedes it.
	user.ServerID = resp.UserMessageID
	user.Status = chat.StatusCommitted
	if err := p.store.UpdateMessageStatus(ctx, user.ClientID, user.Status, user.ServerID); err != nil {
		p.logger.Error("commit user message failed", zap.String("client_id", user.ClientID), zap.Error(err))
	}

	assistant := chat.Message{
		ClientID:  uuid.NewString(),
		Role:      chat.RoleAssistant,
		CreatedAt: p.now(),
		Status:    chat.StatusStreaming,
	}
	p.mu.Lock()
	if !p.currentLocked(epoch) {
		p.mu.Unlock()
		return p.staleErr()
	}
	p.upsertLocked(user)
	orphan, hasOrphan := p.settleOrphanLocked()
	p.upsertLocked(assistant)
	p.jobID = resp.JobID
	p.assistantID = assistant.ClientID
	p.mu.Unlock()
	if hasOrphan {
		_ = p.persist(ctx, chatID, orphan)
	}
	_ = p.persist(ctx, chatID, assistant)

	p.logger.Info("job started", zap.String("chat_id", chatID), zap.String("job_id", resp.JobID))
	if err := p.streamer.Connect(resp.JobID); err != nil {
		p.mu.Lock()
		p.assistantID = ""
		p.mu.Unlock()
		p.failMessage(ctx, chatID, epoch, assistant)
		return &SendError{Op: OpStream, Err: err}
	}
	return nil
}

// settleOrphanLocked marks a placeholder still bound to a previous job as
// failed, keeping its partial text.
func (p *Pipeline) settleOrphanLocked() (chat.Message, bool) {
	if p.assistantID == "" {
		return chat.Message{}, false
	}
	i, ok := reconcile.Find(p.messages, p.assistantID)
	p.assistantID = ""
	if !ok {
		return chat.Message{}, false
	}
	m := p.messages[i]
	m.Status = chat.StatusFailed
	p.upsertLocked(m)
	p.logger.Warn("placeholder replaced by a new job", zap.String("client_id", m.ClientID))
	return m, true
}

func (p *Pipeline) staleErr() error {
	if !p.alive.Load() {
		return ErrClosed
	}
	return ErrAbandoned
}

// failMessage marks m failed in memory and in the store, keeping its content.
func (p *Pipeline) failMessage(ctx context.Context, chatID string, epoch uint64, m chat.Message) {
	m.Status = chat.StatusFailed
	p.mu.Lock()
	if p.currentLocked(epoch) {
		if i, ok := reconcile.Find(p.messages, m.ClientID); ok {
			m.Content = p.messages[i].Content
		}
		p.upsertLocked(m)
	}
	p.mu.Unlock()
	_ = p.persist(ctx, chatID, m)
}

func titleFor(content string) string {
	const maxTitle = 40
	t := strings.Join(strings.Fields(content), " ")
	if t == "" {
		return "Photo"
	}
	if utf8.RuneCountInString(t) <= maxTitle {
		return t
	}
	r := []rune(t)
	return string(r[:maxTitle]) + "..."
}

func (p *Pipeline) onToken(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive.Load() || p.assistantID == "" {
		return
	}
	i, ok := reconcile.Find(p.messages, p.assistantID)
	if !ok {
		return
	}
	m := p.messages[i]
	m.Content = text
	p.upsertLocked(m)
}

type completion struct {
	Answer    string `json:"answer"`
	MessageID string `json:"message_id"`
}

// onDone settles the assistant placeholder. A completion without message_id
// leaves it committed but unsynced; the next history merge replaces it.
func (p *Pipeline) onDone(res stream.Result) {
	p.mu.Lock()
	if !p.alive.Load() || p.assistantID == "" || res.JobID != p.jobID {
		p.mu.Unlock()
		return
	}
	i, ok := reconcile.Find(p.messages, p.assistantID)
	p.assistantID = ""
	if !ok {
		p.mu.Unlock()
		return
	}
	m := p.messages[i]
	m.Content = res.Text
	if res.Err != nil {
		m.Status = chat.StatusFailed
		p.lastErr = &SendError{Op: OpStream, Err: res.Err}
	} else {
		var c completion
		if len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, &c); err != nil {
				p.logger.Warn("unreadable completion payload", zap.Error(err))
			}
		}
		if c.Answer != "" {
			m.Content = c.Answer
		}
		m.ServerID = c.MessageID
		m.Status = chat.StatusCommitted
	}
	p.upsertLocked(m)
	chatID := p.chatID
	lastErr := p.lastErr
	p.mu.Unlock()

	if res.Err != nil {
		p.publish(bus.KindSendFailed, chatID, lastErr)
	}
	_ = p.persist(p.ctx, chatID, m)
}

func (p *Pipeline) onStreamingChange(streaming bool) {
	if !streaming {
		p.drain()
	}
}
