package party

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"streamly/internal/media"
	"streamly/internal/protocol"
	"streamly/internal/transport"
)

type Config struct {
	Player  Player
	Catalog Catalog
	Clock   clockwork.Clock
	// Bus backs local mode when StartOptions carries no transport.
	Bus *transport.Bus
	// Dial backs remote mode when StartOptions carries no transport.
	Dial func(ctx context.Context, endpoint string) (transport.Transport, error)
	// OnChange, when set, receives the status after every transition. It is
	// called without engine locks held.
	OnChange func(Status)
}

type StartOptions struct {
	Mode   Mode
	Room   string
	AsHost bool
	// Transport overrides the one Start would build for Mode. Peer mode
	// requires it.
	Transport transport.Transport
	// Endpoint is the relay URL for remote mode.
	Endpoint string
	// Channel is the local bus channel; empty means the default.
	Channel string
}

// Engine holds one party at a time. All state lives under mu; player
// callbacks run outside it.
type Engine struct {
	player   Player
	catalog  Catalog
	clock    clockwork.Clock
	bus      *transport.Bus
	dial     func(ctx context.Context, endpoint string) (transport.Transport, error)
	onChange func(Status)
	clientID string

	// Set while a remote correction is being applied so the player events
	// it causes are not echoed back. Players that implement Serializer keep
	// local commands out of that window.
	applying atomic.Bool

	mu        sync.Mutex
	gen       uint64
	mode      Mode
	room      string
	endpoint  string
	hostID    string
	phase     Phase
	follow    bool
	transport transport.Transport
	sub       *Subscription
	tickStop  chan struct{}
	lastTick  time.Time

	tickWG sync.WaitGroup
}

func New(config Config) *Engine {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Bus == nil {
		config.Bus = transport.NewBus()
	}
	if config.Dial == nil {
		config.Dial = func(ctx context.Context, endpoint string) (transport.Transport, error) {
			return transport.DialRemote(ctx, endpoint, transport.RemoteOptions{})
		}
	}
	return &Engine{
		player:   config.Player,
		catalog:  config.Catalog,
		clock:    config.Clock,
		bus:      config.Bus,
		dial:     config.Dial,
		onChange: config.OnChange,
		clientID: uuid.NewString(),
		mode:     ModeOff,
		phase:    PhaseOff,
		follow:   true,
	}
}

func (e *Engine) ClientID() string {
	return e.clientID
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	return Status{
		Mode:     e.mode,
		Room:     e.room,
		ClientID: e.clientID,
		HostID:   e.hostID,
		IsHost:   e.isHostLocked(),
		Phase:    e.phase,
		Follow:   e.follow,
	}
}

func (e *Engine) isHostLocked() bool {
	return e.hostID != "" && e.hostID == e.clientID
}

// canEmitLocked reports whether local player events go out: only once
// connected, and only from the host or while nobody is known to be host.
func (e *Engine) canEmitLocked() bool {
	return e.phase == PhaseConnected && e.transport != nil && (e.hostID == "" || e.isHostLocked())
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange(e.Status())
	}
}

// Start stops any running party and starts a new one. A transport that
// cannot join is closed and the engine is left off.
func (e *Engine) Start(ctx context.Context, opts StartOptions) error {
	e.Stop()

	switch opts.Mode {
	case ModeLocal, ModeRemote, ModePeer:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}
	room := strings.TrimSpace(opts.Room)
	if room == "" && opts.Mode != ModePeer {
		return ErrRoomRequired
	}

	tr := opts.Transport
	if tr == nil {
		switch opts.Mode {
		case ModeLocal:
			tr = e.bus.Open(opts.Channel)
		case ModeRemote:
			if opts.Endpoint == "" {
				return fmt.Errorf("%w: remote mode needs an endpoint", ErrTransportRequired)
			}
			dialed, err := e.dial(ctx, opts.Endpoint)
			if err != nil {
				return fmt.Errorf("connect to relay: %w", err)
			}
			tr = dialed
		default:
			return ErrTransportRequired
		}
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.mode = opts.Mode
	e.room = room
	e.endpoint = opts.Endpoint
	e.hostID = ""
	if opts.AsHost {
		e.hostID = e.clientID
	}
	e.phase = PhaseConnecting
	e.transport = tr
	e.lastTick = time.Time{}
	e.mu.Unlock()
	e.notify()

	tr.OnMessage(func(data []byte) { e.deliver(gen, data) })
	tr.OnClose(func(err error) { e.transportClosed(gen, err) })

	if err := tr.Join(ctx, protocol.Join{Room: room, From: e.clientID}); err != nil {
		e.mu.Lock()
		if e.gen == gen {
			e.resetLocked()
		}
		e.mu.Unlock()
		_ = tr.Close()
		e.notify()
		return fmt.Errorf("join party: %w", err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return ErrStopped
	}
	e.phase = PhaseConnected
	host := e.isHostLocked()
	e.mu.Unlock()

	log.Info().
		Str("mode", string(opts.Mode)).
		Str("room", room).
		Str("client_id", e.clientID).
		Bool("host", host).
		Msg("party started")
	e.notify()

	if host {
		e.sendSnapshot(gen)
		e.emitLoad(gen)
	} else {
		e.send(gen, protocol.ReqState{Room: room, From: e.clientID})
	}
	return nil
}

// Stop tears down the subscription, the tick and the transport, and resets
// the engine to off. It returns once the tick goroutine has exited.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.phase == PhaseOff && e.transport == nil {
		e.mu.Unlock()
		return
	}
	e.gen++
	tr := e.transport
	room := e.room
	e.resetLocked()
	e.mu.Unlock()

	e.tickWG.Wait()
	if tr != nil {
		if err := tr.Close(); err != nil {
			log.Debug().Err(err).Msg("closing party transport")
		}
	}
	log.Info().Str("room", room).Msg("party stopped")
	e.notify()
}

func (e *Engine) resetLocked() {
	if e.sub != nil {
		e.sub.closed.Store(true)
		e.sub = nil
	}
	e.stopTickLocked()
	e.transport = nil
	e.mode = ModeOff
	e.room = ""
	e.endpoint = ""
	e.hostID = ""
	e.phase = PhaseOff
	e.lastTick = time.Time{}
}

func (e *Engine) transportClosed(gen uint64, err error) {
	e.mu.Lock()
	current := e.gen == gen
	e.mu.Unlock()
	if !current {
		return
	}
	log.Warn().Err(err).Msg("party transport closed")
	e.Stop()
}

// SetFollow turns applying host updates on or off. Host recognition goes
// on either way.
func (e *Engine) SetFollow(follow bool) {
	e.mu.Lock()
	e.follow = follow
	e.mu.Unlock()
	e.notify()
}

// Invite returns a copyable description of how to join the running party.
func (e *Engine) Invite() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseConnected {
		return "", ErrNotRunning
	}
	switch e.mode {
	case ModeRemote:
		return fmt.Sprintf("Streamly Watch Party (remote)\nRoom: %s\nWS: %s", e.room, e.endpoint), nil
	case ModeLocal:
		return fmt.Sprintf("Streamly Watch Party (local)\nRoom: %s\n(same process only)", e.room), nil
	default:
		return "Streamly Watch Party (peer)\nConnected directly; no room to share.", nil
	}
}

// Deliver hands one inbound frame to the running party.
func (e *Engine) Deliver(data []byte) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	e.deliver(gen, data)
}

func (e *Engine) deliver(gen uint64, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Msg("dropping party frame")
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.phase == PhaseOff {
		e.mu.Unlock()
		return
	}
	if e.mode != ModePeer && msg.RoomName() != e.room {
		e.mu.Unlock()
		return
	}
	if msg.Sender() == e.clientID {
		e.mu.Unlock()
		return
	}

	var payload protocol.Payload
	switch m := msg.(type) {
	case protocol.ReqState:
		reply := e.phase == PhaseConnected && e.isHostLocked()
		e.mu.Unlock()
		if reply {
			e.sendSnapshot(gen)
		}
		return
	case protocol.State:
		payload = m.Payload
	case protocol.Sync:
		payload = m.Payload
	default:
		e.mu.Unlock()
		return
	}

	changed := e.observeHostLocked(payload.HostID)
	follow := e.follow
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	if follow {
		e.apply(payload)
	}
}

// observeHostLocked adopts the first host seen, and later a different host
// only while this session is not host itself.
func (e *Engine) observeHostLocked(hostID string) bool {
	if hostID == "" || hostID == e.hostID {
		return false
	}
	if e.hostID == "" || !e.isHostLocked() {
		log.Info().Str("host_id", hostID).Str("previous", e.hostID).Msg("party host recognized")
		e.hostID = hostID
		return true
	}
	return false
}

func (e *Engine) apply(p protocol.Payload) {
	if e.player == nil {
		return
	}
	if s, ok := e.player.(Serializer); ok {
		s.Serialize(func() { e.applyPayload(p) })
		return
	}
	e.applyPayload(p)
}

// applyPayload drives the player. Events the player fires from here are
// dropped by the applying guard.
func (e *Engine) applyPayload(p protocol.Payload) {
	t := EstimateRemoteTime(p, e.clock.Now())

	e.applying.Store(true)
	defer e.applying.Store(false)

	if p.Action == protocol.ActionLoad {
		if p.Media == nil {
			return
		}
		e.player.OnRemoteLoad(resolveMedia(e.catalog, *p.Media), t, !p.Paused)
		return
	}

	current, open := e.player.NowPlaying()
	// A snapshot names the host's media so a late joiner can catch up.
	if p.Action == protocol.ActionState && p.Media != nil {
		target := resolveMedia(e.catalog, *p.Media)
		if !open || target.PlaybackURL() != current.PlaybackURL() {
			e.player.OnRemoteLoad(target, t, !p.Paused)
			return
		}
	}
	if !open {
		return
	}
	// Embedded players cannot be seeked from here; remount at the target.
	if media.Parse(current.PlaybackURL()).Embedded() {
		e.player.OnRemoteLoad(current, t, !p.Paused)
		return
	}

	c := correctionFor(p.Action, t, e.player.CurrentLocalTime(), p.Paused, e.player.IsLocallyPaused())
	if c.empty() {
		return
	}
	e.player.OnRemoteTransportState(c)
}

func (e *Engine) send(gen uint64, msg protocol.Message) {
	e.mu.Lock()
	tr := e.transport
	current := e.gen == gen
	e.mu.Unlock()
	if !current || tr == nil {
		return
	}
	if err := tr.Send(msg); err != nil {
		log.Debug().Err(err).Str("type", string(msg.Type())).Msg("party send failed")
	}
}

func (e *Engine) nowMillis() int64 {
	return e.clock.Now().UnixMilli()
}

func (e *Engine) snapshot(action protocol.Action) protocol.Payload {
	p := protocol.Payload{Action: action, SentAt: e.nowMillis()}
	if e.player == nil {
		return p
	}
	p.Time = e.player.CurrentLocalTime()
	p.Paused = e.player.IsLocallyPaused()
	if ref, ok := e.player.NowPlaying(); ok {
		p.Media = &ref
	}
	return p
}

// sendSnapshot replies with the full state, media included.
func (e *Engine) sendSnapshot(gen uint64) {
	p := e.snapshot(protocol.ActionState)

	e.mu.Lock()
	if e.isHostLocked() {
		p.HostID = e.clientID
	} else {
		p.HostID = e.hostID
	}
	room := e.room
	e.mu.Unlock()

	e.send(gen, protocol.State{Room: room, From: e.clientID, Payload: p})
}

func (e *Engine) emitLoad(gen uint64) {
	p := e.snapshot(protocol.ActionLoad)
	if p.Media == nil {
		return
	}
	e.emit(gen, p)
}

// emit sends a host sync message if this session may emit.
func (e *Engine) emit(gen uint64, p protocol.Payload) {
	e.mu.Lock()
	if e.gen != gen || !e.canEmitLocked() {
		e.mu.Unlock()
		return
	}
	p.HostID = e.clientID
	room := e.room
	e.mu.Unlock()

	e.send(gen, protocol.Sync{Room: room, From: e.clientID, Payload: p})
}
