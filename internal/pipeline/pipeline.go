// Package pipeline turns user input into persisted messages, backend jobs and
// a live stream, keeping at most one generation in flight and queueing input
// typed meanwhile.
package pipeline

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wastechat/internal/backend"
	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/chat"
	"github.com/matheus3301/wastechat/internal/store"
	"github.com/matheus3301/wastechat/internal/stream"
	"go.uber.org/zap"
)

// Backend is the part of the chat backend the pipeline calls.
type Backend interface {
	CreateChat(ctx context.Context, title string) (*chat.Summary, error)
	GetChat(ctx context.Context, chatID, cursor string, limit int) (*backend.ChatDetail, error)
	SendMessage(ctx context.Context, chatID string, req backend.SendRequest) (*backend.SendResponse, error)
	UploadImage(ctx context.Context, path string) (string, error)
}

// Streamer is the job stream connection.
type Streamer interface {
	Connect(jobID string) error
	Disconnect()
	IsStreaming() bool
	SetHandlers(stream.Handlers)
}

// Options configure a Pipeline.
type Options struct {
	PageSize int
	Locator  backend.Locator
	Bus      *bus.Bus
	Logger   *zap.Logger
}

const defaultPageSize = 50

// Pipeline is the send pipeline and message queue of one chat session.
type Pipeline struct {
	backend  Backend
	streamer Streamer
	store    *store.Store
	locator  backend.Locator
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
	now      func() time.Time

	sending atomic.Bool
	alive   atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu             sync.Mutex
	epoch          uint64
	chatID         string
	messages       []chat.Message
	queue          []chat.QueuedMessage
	loading        bool
	redrain        bool
	loadingHistory bool
	historyLoaded  bool
	cursor         string
	hasMore        bool
	jobID          string
	assistantID    string
	lastErr        error
}

// New wires a pipeline to its stream. The pipeline owns the stream handlers.
func New(b Backend, s Streamer, st *store.Store, opts Options) *Pipeline {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Locator == nil {
		opts.Locator = backend.StaticLocator{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		backend:  b,
		streamer: s,
		store:    st,
		locator:  opts.Locator,
		bus:      opts.Bus,
		logger:   opts.Logger,
		pageSize: opts.PageSize,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.alive.Store(true)
	s.SetHandlers(stream.Handlers{
		OnToken:           p.onToken,
		OnDone:            p.onDone,
		OnStreamingChange: p.onStreamingChange,
	})
	return p
}

// State is a snapshot of the session.
type State struct {
	ChatID         string
	Streaming      bool
	Loading        bool
	LoadingHistory bool
	HistoryLoaded  bool
	HasMore        bool
	JobID          string
	Messages       int
	Queued         int
	LastError      error
}

func (p *Pipeline) State() State {
	streaming := p.streamer.IsStreaming()
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		ChatID:         p.chatID,
		Streaming:      streaming,
		Loading:        p.loading,
		LoadingHistory: p.loadingHistory,
		HistoryLoaded:  p.historyLoaded,
		HasMore:        p.hasMore,
		JobID:          p.jobID,
		Messages:       len(p.messages),
		Queued:         len(p.queue),
		LastError:      p.lastErr,
	}
}

// Messages returns a copy of the in-memory message list.
func (p *Pipeline) Messages() []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.messages)
}

func (p *Pipeline) ChatID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatID
}

// Close stops the stream and discards the results of any operation still
// running. It is safe to call more than once.
func (p *Pipeline) Close() error {
	if !p.alive.CompareAndSwap(true, false) {
		return nil
	}
	p.mu.Lock()
	p.epoch++
	p.queue = nil
	p.mu.Unlock()
	p.abandonStream("closed")
	p.cancel()
	p.wg.Wait()
	return nil
}

// currentLocked reports whether results of work started in epoch may still be
// applied. Caller holds p.mu.
func (p *Pipeline) currentLocked(epoch uint64) bool {
	return p.alive.Load() && p.epoch == epoch
}

func (p *Pipeline) publish(kind, chatID string, payload any) {
	p.bus.Publish(bus.NewEvent(kind, chatID, payload))
}

// MessageEvent is the payload of pipeline.message_upserted events.
type MessageEvent struct {
	ChatID  string
	Message chat.Message
}

func (p *Pipeline) upsertLocked(m chat.Message) {
	if i := slices.IndexFunc(p.messages, func(x chat.Message) bool { return x.ClientID == m.ClientID }); i >= 0 {
		p.messages[i] = m
	} else {
		p.messages = append(p.messages, m)
	}
	p.publish(bus.KindMessageUpserted, p.chatID, MessageEvent{ChatID: p.chatID, Message: m})
}

func (p *Pipeline) persist(ctx context.Context, chatID string, m chat.Message) error {
	if err := p.store.SaveMessage(ctx, chatID, m); err != nil {
		p.logger.Error("persist message failed",
			zap.String("chat_id", chatID), zap.String("client_id", m.ClientID), zap.Error(err))
		return err
	}
	return nil
}
