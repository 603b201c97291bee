package session

import (
	"context"
	"sync"
	"time"
)

// Handle is one attempt to produce a reply. Its context is cancelled when the
// attempt is aborted or superseded.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed once the attempt has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stats counts generation transitions. MaxLive never exceeds one.
type Stats struct {
	Begins  int
	Ends    int
	MaxLive int
}

type playback struct {
	startedAt time.Time
	duration  time.Duration
}

// GenerationState tracks the live reply attempt and the playback of the last
// speech sent to the client.
type GenerationState struct {
	now func() time.Time

	mu       sync.Mutex
	current  *Handle
	playback *playback
	stats    Stats

	reserveCancel context.CancelFunc
}

func NewGenerationState(now func() time.Time) *GenerationState {
	if now == nil {
		now = time.Now
	}
	return &GenerationState{now: now}
}

// Generating reports whether an attempt is live.
func (s *GenerationState) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Begin aborts any live attempt, waits for it to end and starts a new one
// whose context derives from parent only.
func (s *GenerationState) Begin(parent context.Context) *Handle {
	for {
		s.mu.Lock()
		prev := s.current
		if prev == nil {
			ctx, cancel := context.WithCancel(parent)
			h := &Handle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
			s.current = h
			s.stats.Begins++
			if live := s.stats.Begins - s.stats.Ends; live > s.stats.MaxLive {
				s.stats.MaxLive = live
			}
			s.mu.Unlock()
			return h
		}
		s.mu.Unlock()
		prev.cancel()
		<-prev.done
	}
}

// End marks the live attempt as finished. Calling it while idle is a no-op.
func (s *GenerationState) End() {
	s.mu.Lock()
	h := s.current
	s.current = nil
	if h != nil {
		s.stats.Ends++
	}
	s.mu.Unlock()
	if h != nil {
		h.cancel()
		close(h.done)
	}
}

// AbortAndWait cancels the live attempt and blocks until it has ended.
func (s *GenerationState) AbortAndWait() {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// Reserve is called when a user message is accepted, before its job runs.
// It cancels the reservation of every earlier message, so a queued or running
// generation for older input gives way, and returns the new reservation.
func (s *GenerationState) Reserve() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	prev := s.reserveCancel
	s.reserveCancel = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return ctx
}

// Supersede cancels the outstanding reservation without creating a new one.
func (s *GenerationState) Supersede() {
	s.mu.Lock()
	prev := s.reserveCancel
	s.reserveCancel = nil
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// StartPlayback records that speech of the given length began playing now.
// It replaces any earlier record.
func (s *GenerationState) StartPlayback(duration time.Duration) {
	s.mu.Lock()
	s.playback = &playback{startedAt: s.now(), duration: duration}
	s.mu.Unlock()
}

// StopPlayback clears the playback record after speech finished normally.
func (s *GenerationState) StopPlayback() {
	s.mu.Lock()
	s.playback = nil
	s.mu.Unlock()
}

// Playing reports whether a playback record exists.
func (s *GenerationState) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playback != nil
}

// Interrupt consumes the playback record and returns the fraction of the
// speech that had played, in [0,1]. ok is false when nothing was playing.
func (s *GenerationState) Interrupt() (ratio float64, ok bool) {
	s.mu.Lock()
	p := s.playback
	s.playback = nil
	now := s.now()
	s.mu.Unlock()
	if p == nil {
		return 0, false
	}
	if p.duration <= 0 {
		return 1, true
	}
	ratio = float64(now.Sub(p.startedAt)) / float64(p.duration)
	return min(max(ratio, 0), 1), true
}

func (s *GenerationState) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
