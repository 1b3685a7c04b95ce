package player

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"streamly/internal/party"
	"streamly/internal/protocol"
	"streamly/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Play()   { r.add("play") }
func (r *recorder) Pause()  { r.add("pause") }
func (r *recorder) Seeked() { r.add("seeked") }
func (r *recorder) Ended()  { r.add("ended") }
func (r *recorder) Loaded() { r.add("loaded") }

var film = protocol.MediaRef{Title: "Film", Kind: "movie", VideoURL: "https://cdn.example/film.mp4", Source: protocol.SourceMain}

func TestVirtualClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v := NewVirtual(clock)
	rec := &recorder{}
	v.Attach(rec)

	if _, ok := v.NowPlaying(); ok {
		t.Fatal("nothing is open yet")
	}
	v.Play()

	v.Open(film, 10, true)
	clock.Advance(2500 * time.Millisecond)
	if got := v.CurrentLocalTime(); math.Abs(got-12.5) > 1e-9 {
		t.Errorf("expected 12.5, got %v", got)
	}
	v.Pause()
	clock.Advance(time.Minute)
	if got := v.CurrentLocalTime(); math.Abs(got-12.5) > 1e-9 {
		t.Errorf("paused position must hold, got %v", got)
	}
	v.Seek(-3)
	if v.CurrentLocalTime() != 0 {
		t.Error("seek clamps at zero")
	}

	v.SetDuration(5)
	v.Play()
	clock.Advance(10 * time.Second)
	if !v.CheckEnded() || v.CurrentLocalTime() != 5 || !v.IsLocallyPaused() {
		t.Errorf("bounded media should end at 5, got %v", v.CurrentLocalTime())
	}

	want := "loaded play pause seeked play ended"
	if got := strings.Join(rec.events, " "); got != want {
		t.Errorf("events:\nwant %s\ngot  %s", want, got)
	}
}

func TestMountedURL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v := NewVirtual(clock)
	v.Open(protocol.MediaRef{VideoURL: "https://vimeo.com/76979871", Source: protocol.SourceMain}, 42.7, false)
	if got := v.MountedURL(); !strings.HasSuffix(got, "#t=42s") {
		t.Errorf("unexpected mounted url %q", got)
	}
	v.Open(film, 3, false)
	if got := v.MountedURL(); got != film.VideoURL {
		t.Errorf("direct media mounts as is, got %q", got)
	}
}

// Two engines on one bus, each driving a virtual player. The guest joins
// late and converges on the host's media and position.
func TestPartyConverges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := transport.NewBus()

	hostPlayer := NewVirtual(clock)
	hostPlayer.Open(film, 30, false)
	host := party.New(party.Config{Player: hostPlayer, Clock: clock, Bus: bus})
	if err := host.Start(context.Background(), party.StartOptions{Mode: party.ModeLocal, Room: "r", AsHost: true}); err != nil {
		t.Fatalf("host Start: %v", err)
	}
	defer host.Stop()
	hostSub, err := host.Bind()
	if err != nil {
		t.Fatalf("host Bind: %v", err)
	}
	defer hostSub.Close()
	hostPlayer.Attach(hostSub)

	guestPlayer := NewVirtual(clock)
	guest := party.New(party.Config{Player: guestPlayer, Clock: clock, Bus: bus})
	if err := guest.Start(context.Background(), party.StartOptions{Mode: party.ModeLocal, Room: "r"}); err != nil {
		t.Fatalf("guest Start: %v", err)
	}
	defer guest.Stop()
	guestSub, err := guest.Bind()
	if err != nil {
		t.Fatalf("guest Bind: %v", err)
	}
	defer guestSub.Close()
	guestPlayer.Attach(guestSub)

	waitFor(t, "guest to load the host media", func() bool {
		ref, ok := guestPlayer.NowPlaying()
		return ok && ref.VideoURL == film.VideoURL
	})
	if got := guestPlayer.CurrentLocalTime(); got != 30 {
		t.Errorf("guest should start at 30, got %v", got)
	}

	hostPlayer.Seek(95)
	waitFor(t, "guest to follow the seek", func() bool {
		return math.Abs(guestPlayer.CurrentLocalTime()-95) < 1e-9
	})

	hostPlayer.Play()
	waitFor(t, "guest to resume", func() bool { return !guestPlayer.IsLocallyPaused() })

	if st := guest.Status(); st.IsHost || st.HostID != host.ClientID() {
		t.Errorf("guest status %+v", st)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type seekHook struct {
	Events
	seeked func()
}

func (h seekHook) Seeked() {
	h.seeked()
	h.Events.Seeked()
}

// TestLocalCommandWaitsForRemoteUpdate checks that a local pause issued
// while a remote update is being applied runs after it and is emitted
func TestLocalCommandWaitsForRemoteUpdate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := transport.NewBus()

	var mu sync.Mutex
	var frames []protocol.Message
	observer := bus.Open("")
	defer observer.Close()
	observer.OnMessage(func(data []byte) {
		if msg, err := protocol.Decode(data); err == nil {
			mu.Lock()
			frames = append(frames, msg)
			mu.Unlock()
		}
	})

	v := NewVirtual(clock)
	v.Open(film, 10, true)
	e := party.New(party.Config{Player: v, Clock: clock, Bus: bus})
	if err := e.Start(context.Background(), party.StartOptions{Mode: party.ModeLocal, Room: "r"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	sub, err := e.Bind()
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sub.Close()
	if !e.Ticking() {
		t.Fatal("a playing player should start the tick")
	}

	paused := make(chan struct{})
	var once sync.Once
	v.Attach(seekHook{Events: sub, seeked: func() {
		once.Do(func() {
			go func() {
				v.Pause()
				close(paused)
			}()
			select {
			case <-paused:
				t.Error("local pause ran in the middle of the remote update")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}})

	seek, err := protocol.Encode(protocol.Sync{Room: "r", From: "other", Payload: protocol.Payload{Action: protocol.ActionSeek, Time: 40, Paused: true}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e.Deliver(seek)

	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("local pause never ran")
	}
	if !v.IsLocallyPaused() || v.CurrentLocalTime() != 40 {
		t.Errorf("expected paused at 40, got %v paused=%t", v.CurrentLocalTime(), v.IsLocallyPaused())
	}
	if e.Ticking() {
		t.Error("the local pause should stop the tick")
	}
	waitFor(t, "the local pause to be emitted", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range frames {
			if s, ok := msg.(protocol.Sync); ok && s.Payload.Action == protocol.ActionPause {
				return true
			}
		}
		return false
	})
	mu.Lock()
	defer mu.Unlock()
	for _, msg := range frames {
		if s, ok := msg.(protocol.Sync); ok && s.Payload.Action == protocol.ActionSeek {
			t.Errorf("the remote seek must not be echoed: %+v", s)
		}
	}
}
