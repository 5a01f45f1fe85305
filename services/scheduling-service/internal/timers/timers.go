// Package timers schedules keyed one-shot tasks that can be cancelled or
// replaced before they fire. Promotion expiry is keyed by waiting-list entry id.
package timers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/appointly/appointly/libs/clock"
)

type Handler func(ctx context.Context, key string) error

type Scheduler interface {
	// Schedule arms key to fire at at, replacing any earlier schedule for key.
	Schedule(ctx context.Context, key string, at time.Time) error
	Cancel(ctx context.Context, key string) error
	// Handle sets the function run when a key fires.
	Handle(h Handler)
	Run(ctx context.Context) error
}

// Memory keeps timers in process on the injected clock. Timers do not survive
// a restart; the promoter sweep covers that gap.
type Memory struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	handler Handler
	timers  map[string]clock.Timer
	gen     map[string]uint64
	seq     uint64
}

func NewMemory(c clock.Clock, logger *slog.Logger) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{clock: c, logger: logger, timers: map[string]clock.Timer{}, gen: map[string]uint64{}}
}

func (m *Memory) Handle(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Memory) Schedule(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.seq++
	gen := m.seq
	m.gen[key] = gen
	// registered before AfterFunc so a zero delay on a fake clock still finds it
	m.timers[key] = noopTimer{}
	m.mu.Unlock()

	t := m.clock.AfterFunc(at.Sub(m.clock.Now()), func() { m.fire(key, gen) })

	m.mu.Lock()
	if m.gen[key] == gen {
		m.timers[key] = t
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Cancel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
		delete(m.gen, key)
	}
	return nil
}

// Pending reports whether key is armed.
func (m *Memory) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key]
	return ok
}

func (m *Memory) fire(key string, gen uint64) {
	m.mu.Lock()
	if m.gen[key] != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	delete(m.gen, key)
	h := m.handler
	m.mu.Unlock()

	if h == nil {
		m.logger.Warn("timer fired without handler", "key", key)
		return
	}
	if err := h(context.Background(), key); err != nil {
		m.logger.Error("timer handler failed", "key", key, "err", err)
	}
}

// Run blocks until ctx ends and then stops all armed timers.
func (m *Memory) Run(ctx context.Context) error {
	<-ctx.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	return nil
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }
