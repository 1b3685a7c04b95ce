// Package player provides a headless player whose position follows a clock.
// It behaves like a browser video element as far as the party engine can
// tell: every state change, remote or local, fires the matching event.
package player

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"streamly/internal/media"
	"streamly/internal/party"
	"streamly/internal/protocol"
)

// Events receives player events; *party.Subscription satisfies it.
type Events interface {
	Play()
	Pause()
	Seeked()
	Ended()
	Loaded()
}

type Virtual struct {
	clock clockwork.Clock

	// Held by local controls and by Serialize, so a local command never
	// runs while a remote update is being applied.
	opMu sync.Mutex

	mu       sync.Mutex
	media    *protocol.MediaRef
	src      media.Source
	base     float64
	since    time.Time
	paused   bool
	duration float64
	events   Events
}

func NewVirtual(clock clockwork.Clock) *Virtual {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Virtual{clock: clock, paused: true}
}

// Attach routes events to ev; nil detaches.
func (v *Virtual) Attach(ev Events) {
	v.mu.Lock()
	v.events = ev
	v.mu.Unlock()
}

// SetDuration makes playback end at d seconds. Zero means unbounded.
func (v *Virtual) SetDuration(d float64) {
	v.mu.Lock()
	v.duration = d
	v.mu.Unlock()
}

func (v *Virtual) positionLocked() float64 {
	pos := v.base
	if !v.paused {
		pos += v.clock.Since(v.since).Seconds()
	}
	if v.duration > 0 && pos > v.duration {
		pos = v.duration
	}
	return pos
}

func (v *Virtual) CurrentLocalTime() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *Virtual) IsLocallyPaused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *Virtual) NowPlaying() (protocol.MediaRef, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.media == nil {
		return protocol.MediaRef{}, false
	}
	return *v.media, true
}

// MountedURL is what an embedding page would load: the embed URL with its
// start offset for YouTube and Vimeo, the file URL otherwise.
func (v *Virtual) MountedURL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.media == nil {
		return ""
	}
	return v.src.WithStart(v.positionLocked())
}

// Open mounts ref at offset and starts playing when autoplay is set.
func (v *Virtual) Open(ref protocol.MediaRef, offset float64, autoplay bool) {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	v.open(ref, offset, autoplay)
}

func (v *Virtual) Play() {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	v.play()
}

func (v *Virtual) Pause() {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	v.pause()
}

func (v *Virtual) Seek(t float64) {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	v.seek(t)
}

func (v *Virtual) open(ref protocol.MediaRef, offset float64, autoplay bool) {
	v.mu.Lock()
	v.media = &ref
	v.src = media.Parse(ref.PlaybackURL())
	v.base = offset
	v.since = v.clock.Now()
	v.paused = !autoplay
	ev := v.events
	v.mu.Unlock()

	if ev != nil {
		ev.Loaded()
		if autoplay {
			ev.Play()
		}
	}
}

func (v *Virtual) play() {
	v.mu.Lock()
	if v.media == nil || !v.paused {
		v.mu.Unlock()
		return
	}
	v.since = v.clock.Now()
	v.paused = false
	ev := v.events
	v.mu.Unlock()

	if ev != nil {
		ev.Play()
	}
}

func (v *Virtual) pause() {
	v.mu.Lock()
	if v.media == nil || v.paused {
		v.mu.Unlock()
		return
	}
	v.base = v.positionLocked()
	v.paused = true
	ev := v.events
	v.mu.Unlock()

	if ev != nil {
		ev.Pause()
	}
}

func (v *Virtual) seek(t float64) {
	v.mu.Lock()
	if v.media == nil {
		v.mu.Unlock()
		return
	}
	if t < 0 {
		t = 0
	}
	v.base = t
	v.since = v.clock.Now()
	ev := v.events
	v.mu.Unlock()

	if ev != nil {
		ev.Seeked()
	}
}

// CheckEnded pauses at the end of a bounded media and reports whether it
// did so.
func (v *Virtual) CheckEnded() bool {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	v.mu.Lock()
	if v.media == nil || v.paused || v.duration <= 0 || v.positionLocked() < v.duration {
		v.mu.Unlock()
		return false
	}
	v.base = v.duration
	v.paused = true
	ev := v.events
	v.mu.Unlock()

	if ev != nil {
		ev.Ended()
	}
	return true
}

// Serialize runs fn with local controls held off. The engine applies remote
// updates through it.
func (v *Virtual) Serialize(fn func()) {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	fn()
}

// OnRemoteLoad and OnRemoteTransportState are called from within Serialize.
func (v *Virtual) OnRemoteLoad(ref protocol.MediaRef, offset float64, autoplay bool) {
	v.open(ref, offset, autoplay)
}

func (v *Virtual) OnRemoteTransportState(c party.Correction) {
	if c.Seek {
		v.seek(c.Target)
	}
	if c.Play {
		v.play()
	}
	if c.Pause {
		v.pause()
	}
}
