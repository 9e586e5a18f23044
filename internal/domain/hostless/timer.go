package hostless

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const (
	maxExpiryRetries = 6
	expiryRetryBase  = 50 * time.Millisecond
	expiryRetryMax   = 2 * time.Second
)

// AnswerKey returns the correct answer for a round, if known.
type AnswerKey func(round int) (string, bool)

// Timer is one client's response-window timer for one game. It watches the
// game and, when a claimed round's window runs out, optionally grades the
// round's answers and then advances. Any number of timers may watch the same
// game; the guarded transition turns every late one into a no-op.
type Timer struct {
	machine *Machine
	gameID  string
	key     AnswerKey
	logger  logger.Logger

	mu       sync.Mutex
	pending  *time.Timer
	round    int
	failures int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithAnswerKey grades answers with key before advancing.
func WithAnswerKey(key AnswerKey) TimerOption {
	return func(t *Timer) {
		t.key = key
	}
}

// WithTimerLogger sets the timer's logger.
func WithTimerLogger(l logger.Logger) TimerOption {
	return func(t *Timer) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTimer returns a stopped timer for gameID.
func (m *Machine) NewTimer(gameID string, opts ...TimerOption) *Timer {
	t := &Timer{
		machine: m,
		gameID:  gameID,
		logger:  m.logger.Named("timer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins watching. The timer runs until Stop, ctx is done, or the game
// ends.
func (t *Timer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	stream := t.machine.WatchGame(ctx, t.gameID)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer stream.Close()
		defer t.disarm()
		for g := range stream.Updates() {
			if g != nil && !g.IsActive() {
				return
			}
			t.schedule(ctx, g)
		}
	}()
}

// Stop cancels any pending expiry and waits for the watch to end.
func (t *Timer) Stop() {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
	t.wg.Wait()
	t.disarm()
}

func (t *Timer) schedule(ctx context.Context, g *model.Game) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := time.Time{}, false
	if g != nil && g.RoundPhase.In(model.Answering, model.Closed) {
		deadline, ok = g.ResponseDeadline()
	}
	if !ok {
		t.stopLocked()
		return
	}
	if t.pending != nil && t.round == g.RoundNumber {
		return
	}
	t.stopLocked()
	t.failures = 0
	t.round = g.RoundNumber
	t.armLocked(ctx, g.RoundNumber, deadline.Sub(t.machine.Now()))
}

// retry re-arms a failed expiry with backoff. Once the retries are spent the
// round is released so the next snapshot of it arms a fresh attempt.
func (t *Timer) retry(ctx context.Context, round int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.round != round || ctx.Err() != nil {
		return
	}
	t.failures++
	if t.failures > maxExpiryRetries {
		t.pending = nil
		return
	}
	t.armLocked(ctx, round, min(expiryRetryBase<<(t.failures-1), expiryRetryMax))
}

func (t *Timer) armLocked(ctx context.Context, round int, delay time.Duration) {
	t.pending = time.AfterFunc(max(delay, 0), func() { t.fire(ctx, round) })
}

func (t *Timer) stopLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) fire(ctx context.Context, round int) {
	if ctx.Err() != nil {
		return
	}
	if t.key != nil {
		if key, ok := t.key(round); ok {
			if _, err := t.machine.evaluate(ctx, "autoEvaluate", t.gameID, key, false); err != nil {
				t.logger.Warn(ctx, "auto evaluation failed",
					logger.String("game", t.gameID), logger.Int("round", round), logger.Error(err))
			}
		}
	}

	g, advanced, err := t.machine.expire(ctx, t.gameID, round)
	switch {
	case errors.Is(err, gameerr.ErrWindowOpen):
		// the store clock ran ahead of ours; try again when it should be over
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.round == round && ctx.Err() == nil {
			t.armLocked(ctx, round, 50*time.Millisecond)
		}
	case err != nil:
		t.logger.Warn(ctx, "response window expiry failed",
			logger.String("game", t.gameID), logger.Int("round", round), logger.Error(err))
		t.retry(ctx, round)
	case advanced:
		metrics.RecordAutoAdvance()
		t.logger.Info(ctx, "response window expired, round advanced",
			logger.String("game", t.gameID), logger.Int("round", round), logger.Int("next", g.RoundNumber))
	default:
		t.logger.Debug(ctx, "response window already handled elsewhere",
			logger.String("game", t.gameID), logger.Int("round", round))
	}
}
