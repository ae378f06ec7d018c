package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wastechat/internal/bus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Evictor runs Cleanup across all chats on a cron schedule.
type Evictor struct {
	store  *Store
	opts   CleanupOptions
	bus    *bus.Bus
	logger *zap.Logger
	cron   *cron.Cron
}

// EvictionResult is the payload of store.evicted events.
type EvictionResult struct {
	Deleted int64
	Took    time.Duration
}

// NewEvictor schedules eviction with a standard cron spec or descriptor
// such as "@every 30s".
func NewEvictor(s *Store, schedule string, opts CleanupOptions, b *bus.Bus, logger *zap.Logger) (*Evictor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evictor{
		store:  s,
		opts:   opts.withDefaults(),
		bus:    b,
		logger: logger,
		cron:   cron.New(),
	}
	if _, err := e.cron.AddFunc(schedule, func() { _, _ = e.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("eviction schedule %q: %w", schedule, err)
	}
	return e, nil
}

// Start begins the schedule in the background.
func (e *Evictor) Start() {
	e.cron.Start()
}

// Stop stops the schedule and waits for a running pass to finish.
func (e *Evictor) Stop() {
	<-e.cron.Stop().Done()
}

// RunOnce performs a single eviction pass.
func (e *Evictor) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	deleted, err := e.store.Cleanup(ctx, "", e.opts)
	if err != nil {
		return 0, err
	}
	took := time.Since(start)
	if deleted > 0 {
		e.logger.Info("evicted local messages", zap.Int64("deleted", deleted), zap.Duration("took", took))
	}
	e.bus.Publish(bus.NewEvent(bus.KindStoreEvicted, "", EvictionResult{Deleted: deleted, Took: took}))
	return deleted, nil
}
