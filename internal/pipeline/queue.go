package pipeline

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/matheus3301/wastechat/internal/chat"
	"go.uber.org/zap"
)

// Queue returns the queued inputs, oldest first.
func (p *Pipeline) Queue() []chat.QueuedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queue)
}

func (p *Pipeline) enqueueLocked(in SendInput, front bool) chat.QueuedMessage {
	q := chat.QueuedMessage{
		ID:         uuid.NewString(),
		Content:    in.Content,
		ImagePath:  in.ImagePath,
		ImageURL:   in.ImageURL,
		EnqueuedAt: p.now(),
	}
	p.requeueLocked(q, front)
	return q
}

func (p *Pipeline) requeueLocked(q chat.QueuedMessage, front bool) {
	if front {
		p.queue = slices.Insert(p.queue, 0, q)
	} else {
		p.queue = append(p.queue, q)
	}
	p.publish(bus.KindQueueChanged, p.chatID, slices.Clone(p.queue))
}

func (p *Pipeline) takeLocked(id string) (chat.QueuedMessage, bool) {
	i := slices.IndexFunc(p.queue, func(q chat.QueuedMessage) bool { return q.ID == id })
	if i < 0 {
		return chat.QueuedMessage{}, false
	}
	q := p.queue[i]
	p.queue = slices.Delete(p.queue, i, i+1)
	p.publish(bus.KindQueueChanged, p.chatID, slices.Clone(p.queue))
	return q, true
}

// RemoveQueued drops a queued input. It reports whether it was queued.
func (p *Pipeline) RemoveQueued(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.takeLocked(id)
	return ok
}

// SendQueued sends a queued input now. If a generation is still running it
// goes back to the front of the queue instead, and queued is true.
func (p *Pipeline) SendQueued(ctx context.Context, id string) (queued bool, err error) {
	if !p.alive.Load() {
		return false, ErrClosed
	}
	streaming := p.streamer.IsStreaming()
	p.mu.Lock()
	q, ok := p.takeLocked(id)
	if !ok {
		p.mu.Unlock()
		return false, ErrNotFound
	}
	if streaming || p.loading || p.sending.Load() {
		p.requeueLocked(q, true)
		p.mu.Unlock()
		return true, nil
	}
	p.mu.Unlock()

	err = p.Send(ctx, inputOf(q))
	if errors.Is(err, ErrInFlight) || errors.Is(err, ErrBusy) {
		p.mu.Lock()
		p.requeueLocked(q, true)
		p.mu.Unlock()
		return true, nil
	}
	return false, err
}

func inputOf(q chat.QueuedMessage) SendInput {
	return SendInput{Content: q.Content, ImagePath: q.ImagePath, ImageURL: q.ImageURL}
}

// drain sends the oldest queued input in the background. loading is set
// before the send starts so input submitted meanwhile is queued behind it.
func (p *Pipeline) drain() {
	p.mu.Lock()
	if !p.alive.Load() || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	if p.loading || p.sending.Load() {
		// The send in progress drains once it returns, if its stream is
		// already over by then.
		p.redrain = true
		p.mu.Unlock()
		return
	}
	q := p.queue[0]
	p.queue = slices.Delete(p.queue, 0, 1)
	p.publish(bus.KindQueueChanged, p.chatID, slices.Clone(p.queue))
	p.loading = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.logger.Debug("sending queued message", zap.String("queue_id", q.ID))
		err := p.Send(p.ctx, inputOf(q))
		if !errors.Is(err, ErrInFlight) && !errors.Is(err, ErrBusy) {
			return
		}
		p.mu.Lock()
		p.requeueLocked(q, true)
		if p.sending.Load() {
			p.redrain = true
			p.mu.Unlock()
			return
		}
		p.loading = false
		p.mu.Unlock()
		if !p.streamer.IsStreaming() {
			p.drain()
		}
	}()
}
