package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultCleanupInterval = 5 * time.Minute

// Sweeper is a store that can drop idle sessions itself. The redis store
// relies on key TTLs instead.
type Sweeper interface {
	Sweep(cutoff time.Time) int
}

// CleanupTask periodically removes sessions idle longer than maxAge. Such a
// session would be reset on its next turn anyway.
type CleanupTask struct {
	store    Sweeper
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewCleanupTask(store Sweeper, maxAge, interval time.Duration) *CleanupTask {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &CleanupTask{store: store, maxAge: maxAge, interval: interval, now: time.Now}
}

func (t *CleanupTask) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.loop(runCtx, t.done)
}

// Stop cancels the loop and waits for it to exit.
func (t *CleanupTask) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *CleanupTask) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.running = false
		close(done)
		t.mu.Unlock()
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runOnce()
		}
	}
}

func (t *CleanupTask) runOnce() int {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("session cleanup panicked")
		}
	}()

	n := t.store.Sweep(t.now().Add(-t.maxAge))
	if n > 0 {
		log.Info().Int("removed", n).Msg("expired conversations removed")
	}
	return n
}
