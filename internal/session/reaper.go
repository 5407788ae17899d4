package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultReapInterval = 60 * time.Second
	DefaultSessionTTL   = 20 * time.Minute
)

// Reaper periodically ends sessions that have been idle longer than the TTL.
type Reaper struct {
	ctrl     *Controller
	interval time.Duration
	ttl      time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewReaper creates a reaper for ctrl. Zero durations use the defaults.
func NewReaper(ctrl *Controller, interval, ttl time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Reaper{
		ctrl:     ctrl,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With().Str("component", "session.reaper").Logger(),
	}
}

// Start launches the sweep loop. Calling Start on a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go r.run(loopCtx, r.done)
}

// Stop cancels the loop and waits for the current sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Dur("ttl", r.ttl).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx, r.ctrl.now())
		}
	}
}

// Sweep ends every session idle for longer than the TTL at now and returns
// how many were ended. Failures on one session do not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	ended := 0
	for _, s := range r.ctrl.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if s.idleSince(now) <= r.ttl {
			continue
		}

		id := s.ChannelID()
		ch, err := r.ctrl.platform.Resolve(ctx, id)
		if errors.Is(err, ErrChannelNotFound) {
			if r.ctrl.forget(id, TimeoutReason(r.ttl)) {
				ended++
			}
			r.logger.Warn().Err(err).Str("channel", id).Msg("expired session channel is gone, dropped")
			continue
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("channel", id).Msg("failed to resolve expired session channel, retrying next sweep")
			continue
		}

		// A turn may have landed while the channel was being resolved.
		if cur, ok := r.ctrl.registry.Get(id); !ok || cur != s || s.idleSince(now) <= r.ttl {
			continue
		}

		r.ctrl.EndSession(ctx, ch, TimeoutReason(r.ttl))
		ended++
	}

	if ended > 0 {
		r.logger.Info().Int("ended", ended).Msg("expired sessions reaped")
	}
	return ended
}
