package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/status"
	"go.uber.org/zap"
)

// Opener opens the event stream of a job.
type Opener interface {
	OpenStream(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// Handlers receive stream callbacks. Any field may be nil. Callbacks run on
// the connection goroutine, never under the manager's lock.
type Handlers struct {
	// OnToken receives the full accumulated text, never a delta.
	OnToken           func(text string)
	OnProgress        func(Progress)
	OnDone            func(Result)
	OnStreamingChange func(streaming bool)
}

// Options configure a Manager.
type Options struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	Machine              *status.Machine
	Bus                  *bus.Bus
	Logger               *zap.Logger
}

const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBaseDelay   = time.Second
)

var errClosedByServer = errors.New("stream closed by server")

// Manager owns the single live event stream of the current generation job.
type Manager struct {
	opener   Opener
	opts     Options
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	handlers atomic.Pointer[Handlers]

	mu        sync.Mutex
	gen       uint64
	jobID     string
	text      string
	stage     string
	streaming bool
	attempts  int
	manual    bool
	closed    bool
	cancel    context.CancelFunc
	timer     *time.Timer

	wg sync.WaitGroup
}

// NewManager creates an idle manager.
func NewManager(opener Opener, opts Options) *Manager {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Machine == nil {
		opts.Machine = status.NewMachine(opts.Bus)
	}
	m := &Manager{
		opener:  opener,
		opts:    opts,
		machine: opts.Machine,
		bus:     opts.Bus,
		logger:  opts.Logger,
	}
	m.handlers.Store(&Handlers{})
	return m
}

// SetHandlers replaces the callbacks. Events dispatched afterwards always go
// to the most recently set handlers.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers.Store(&h)
}

func (m *Manager) h() *Handlers {
	return m.handlers.Load()
}

// Connect tears down any previous connection, resets accumulated state and
// opens the stream of jobID.
func (m *Manager) Connect(jobID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("stream: manager closed")
	}
	m.teardownLocked()
	m.machine.Reset()
	m.jobID = jobID
	m.text = ""
	m.stage = ""
	m.attempts = 0
	m.manual = false
	wasStreaming := m.streaming
	m.streaming = true
	m.transitionLocked(status.Connecting)
	m.openLocked(m.gen)
	m.mu.Unlock()

	m.logger.Info("stream connecting", zap.String("job_id", jobID))
	if !wasStreaming {
		m.notifyStreaming(true)
	}
	return nil
}

// Disconnect stops the current stream and suppresses reconnection. Safe to
// call any number of times. Accumulated text is kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.teardownLocked()
	wasStreaming := m.streaming
	m.streaming = false
	m.stage = ""
	m.machine.Reset()
	m.mu.Unlock()

	if wasStreaming {
		m.logger.Info("stream disconnected", zap.String("job_id", m.JobID()))
		m.notifyStreaming(false)
	}
}

// Close disconnects and waits for connection goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
	m.wg.Wait()
}

// IsStreaming stays true across reconnect attempts.
func (m *Manager) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// Text returns the accumulated text of the current job.
func (m *Manager) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}

// Stage returns the last reported stage, or "" when none is in progress.
func (m *Manager) Stage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

func (m *Manager) JobID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobID
}

// State returns the connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// teardownLocked invalidates the current connection: pending timers are
// stopped, the reader is cancelled and its generation retired.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) transitionLocked(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("stream state", zap.Error(err))
	}
}

func (m *Manager) openLocked(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx, gen, m.jobID)
}

func (m *Manager) run(ctx context.Context, gen uint64, jobID string) {
	defer m.wg.Done()

	body, err := m.opener.OpenStream(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			m.transportError(gen, err)
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer func() {
		stop()
		_ = body.Close()
	}()

	if !m.opened(gen) {
		return
	}

	r := NewReader(body)
	for {
		f, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errClosedByServer
			}
			m.transportError(gen, err)
			return
		}
		if m.dispatch(gen, f) {
			return
		}
	}
}

// opened handles a successful open: the attempt budget is restored.
func (m *Manager) opened(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.attempts = 0
	m.transitionLocked(status.Streaming)
	return true
}

// dispatch handles one frame and reports whether the connection is finished.
func (m *Manager) dispatch(gen uint64, f Frame) bool {
	switch {
	case f.Event == EventToken:
		var p tokenPayload
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			m.logger.Warn("bad token event", zap.Error(err))
			return false
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return true
		}
		m.text += p.Content
		text, jobID := m.text, m.jobID
		m.mu.Unlock()
		m.emitToken(jobID, text)

	case f.Event == EventTokenRecovery:
		var p recoveryPayload
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			m.logger.Warn("bad token_recovery event", zap.Error(err))
			return false
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return true
		}
		m.text = p.Accumulated
		jobID := m.jobID
		m.mu.Unlock()
		m.logger.Info("stream recovered", zap.String("job_id", jobID), zap.Int("chars", len(p.Accumulated)))
		m.emitToken(jobID, p.Accumulated)
		if p.Completed {
			m.finish(gen, status.Done, Result{Status: StatusCompleted})
			return true
		}

	case f.Event == EventDone:
		var p donePayload
		if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
			m.finish(gen, status.Error, Result{Err: fmt.Errorf("stream: parse done event: %w", err)})
			return true
		}
		if p.Status == StatusCompleted {
			m.finish(gen, status.Done, Result{Status: p.Status, Payload: p.Result})
			return true
		}
		msg := p.Message
		if msg == "" {
			msg = "generation did not complete"
		}
		m.finish(gen, status.Error, Result{Status: p.Status, Err: &ServerError{Status: p.Status, Message: msg}})
		return true

	case f.Event == EventError:
		var p errorPayload
		if f.Data != "" && json.Unmarshal([]byte(f.Data), &p) == nil {
			m.finish(gen, status.Error, Result{Err: &ServerError{Message: p.Message}})
			return true
		}
		m.transportError(gen, errors.New("stream error event"))
		return true

	case IsStage(f.Event):
		var p progressPayload
		if f.Data != "" {
			if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
				m.logger.Warn("bad progress event", zap.String("event", f.Event), zap.Error(err))
				return false
			}
		}
		if p.Stage == "" {
			p.Stage = f.Event
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return true
		}
		m.stage = p.Stage
		jobID := m.jobID
		m.mu.Unlock()
		pr := Progress{Stage: p.Stage, Status: p.Status, Progress: p.Progress, Message: StageMessage(p.Stage)}
		m.bus.Publish(bus.NewEvent(bus.KindStreamProgress, "", ProgressEvent{JobID: jobID, Progress: pr}))
		if fn := m.h().OnProgress; fn != nil {
			fn(pr)
		}

	default:
		m.logger.Debug("ignoring stream event", zap.String("event", f.Event))
	}
	return false
}

func (m *Manager) emitToken(jobID, text string) {
	m.bus.Publish(bus.NewEvent(bus.KindStreamToken, "", TokenEvent{JobID: jobID, Text: text}))
	if fn := m.h().OnToken; fn != nil {
		fn(text)
	}
}

// transportError schedules a reconnect with exponential backoff, or fails the
// job once the attempt budget is spent.
func (m *Manager) transportError(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt >= m.opts.MaxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Warn("stream reconnect exhausted", zap.Int("attempts", attempt), zap.Error(cause))
		m.finish(gen, status.Error, Result{Err: fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)})
		return
	}
	delay := m.opts.ReconnectBaseDelay << (attempt - 1)
	m.gen++
	next := m.gen
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.transitionLocked(status.Connecting)
	m.timer = time.AfterFunc(delay, func() { m.reconnect(next) })
	jobID := m.jobID
	m.mu.Unlock()

	m.logger.Info("stream reconnecting",
		zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(cause))
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.manual || m.closed {
		return
	}
	m.timer = nil
	m.openLocked(gen)
}

// finish ends the job: the connection is retired, streaming state cleared and
// OnDone invoked before OnStreamingChange(false).
func (m *Manager) finish(gen uint64, to status.State, res Result) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.transitionLocked(to)
	m.stage = ""
	wasStreaming := m.streaming
	m.streaming = false
	res.JobID = m.jobID
	res.Text = m.text
	m.mu.Unlock()

	if res.Err != nil {
		m.logger.Warn("stream failed", zap.String("job_id", res.JobID), zap.Error(res.Err))
	} else {
		m.logger.Info("stream done", zap.String("job_id", res.JobID), zap.Int("chars", len(res.Text)))
	}
	m.bus.Publish(bus.NewEvent(bus.KindStreamDone, "", res))
	if fn := m.h().OnDone; fn != nil {
		fn(res)
	}
	if wasStreaming {
		m.notifyStreaming(false)
	}
}

func (m *Manager) notifyStreaming(streaming bool) {
	if fn := m.h().OnStreamingChange; fn != nil {
		fn(streaming)
	}
}

// TokenEvent is the payload of stream.token events.
type TokenEvent struct {
	JobID string
	Text  string
}

// ProgressEvent is the payload of stream.progress events.
type ProgressEvent struct {
	JobID string
	Progress
}
