package party

import (
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"streamly/internal/protocol"
)

// Subscription carries local player events into the engine. Obtain one with
// Bind and Close it when the player goes away.
type Subscription struct {
	e      *Engine
	gen    uint64
	closed atomic.Bool
}

// Bind subscribes to the local player, replacing any previous binding. If
// the player is already playing the host tick starts right away.
func (e *Engine) Bind() (*Subscription, error) {
	e.mu.Lock()
	if e.phase == PhaseOff {
		e.mu.Unlock()
		return nil, ErrNotRunning
	}
	if e.sub != nil {
		e.sub.closed.Store(true)
		e.stopTickLocked()
	}
	sub := &Subscription{e: e, gen: e.gen}
	e.sub = sub
	e.lastTick = e.clock.Now().Add(-TickInterval)
	e.mu.Unlock()

	if e.player != nil && !e.player.IsLocallyPaused() {
		e.startTick(sub)
	}
	return sub, nil
}

// Play reports that the local player started playing.
func (s *Subscription) Play() {
	if !s.accept() {
		return
	}
	p := s.e.snapshot(protocol.ActionPlay)
	p.Media, p.Paused = nil, false
	s.e.emit(s.gen, p)
	s.e.startTick(s)
}

func (s *Subscription) Pause() {
	if !s.accept() {
		return
	}
	p := s.e.snapshot(protocol.ActionPause)
	p.Media, p.Paused = nil, true
	s.e.emit(s.gen, p)
	s.e.stopTick(s)
}

func (s *Subscription) Seeked() {
	if !s.accept() {
		return
	}
	p := s.e.snapshot(protocol.ActionSeek)
	p.Media = nil
	s.e.emit(s.gen, p)
}

// Ended stops the tick. It is not broadcast.
func (s *Subscription) Ended() {
	if s.closed.Load() {
		return
	}
	s.e.stopTick(s)
}

// Loaded reports that the local player opened new media.
func (s *Subscription) Loaded() {
	if !s.accept() {
		return
	}
	s.e.emitLoad(s.gen)
	if s.e.player != nil && !s.e.player.IsLocallyPaused() {
		s.e.startTick(s)
	}
}

// Close releases the binding. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	e := s.e
	e.mu.Lock()
	if e.sub == s {
		e.sub = nil
		e.stopTickLocked()
	}
	e.mu.Unlock()
}

// accept drops events from stale bindings and events caused by a remote
// correction in progress.
func (s *Subscription) accept() bool {
	return !s.closed.Load() && !s.e.applying.Load()
}

func (e *Engine) startTick(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != sub || e.tickStop != nil || e.phase == PhaseOff {
		return
	}
	stop := make(chan struct{})
	e.tickStop = stop
	ticker := e.clock.NewTicker(TickInterval)
	e.tickWG.Add(1)
	go e.runTick(ticker, stop)
}

func (e *Engine) stopTick(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == sub {
		e.stopTickLocked()
	}
}

func (e *Engine) stopTickLocked() {
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
}

// Ticking reports whether the host tick is running.
func (e *Engine) Ticking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickStop != nil
}

func (e *Engine) runTick(ticker clockwork.Ticker, stop chan struct{}) {
	defer e.tickWG.Done()
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			e.tick(stop)
		}
	}
}

func (e *Engine) tick(stop chan struct{}) {
	e.mu.Lock()
	if e.tickStop != stop || !e.canEmitLocked() {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	if now.Sub(e.lastTick) < TickInterval {
		e.mu.Unlock()
		return
	}
	e.lastTick = now
	gen := e.gen
	e.mu.Unlock()

	p := protocol.Payload{Action: protocol.ActionState, SentAt: now.UnixMilli()}
	if e.player != nil {
		p.Time = e.player.CurrentLocalTime()
		p.Paused = e.player.IsLocallyPaused()
	}
	e.emit(gen, p)
}
