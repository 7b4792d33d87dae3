package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultDecayInterval = time.Hour

// Decayer is the part of the ledger the decay task drives.
type Decayer interface {
	DecayOneHour(ctx context.Context) (int64, error)
}

// DecayTask charges one subscription hour per interval for as long as it runs.
// A failed run is logged and the next tick proceeds as usual.
type DecayTask struct {
	ledger   Decayer
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewDecayTask(ledger Decayer, interval time.Duration) *DecayTask {
	if interval <= 0 {
		interval = DefaultDecayInterval
	}
	return &DecayTask{ledger: ledger, interval: interval}
}

// Start launches the ticker loop. The first run happens one interval after
// start so that restarts do not charge an extra hour.
func (t *DecayTask) Start(ctx context.Context) {
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

// Stop cancels the loop and waits for an in-flight run to finish.
func (t *DecayTask) Stop() {
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

func (t *DecayTask) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *DecayTask) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.running = false
		close(done)
		t.mu.Unlock()
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", t.interval).Msg("quota decay task started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("quota decay task stopped")
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

func (t *DecayTask) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("quota decay run panicked")
		}
	}()

	start := time.Now()
	n, err := t.ledger.DecayOneHour(ctx)
	if err != nil {
		log.Error().Err(err).Msg("quota decay run failed")
		return
	}
	log.Info().Int64("chats", n).Dur("took", time.Since(start)).Msg("subscription hours decayed")
}
