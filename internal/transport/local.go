package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"streamly/internal/protocol"
)

// DefaultChannel is the channel name local parties use unless told otherwise.
const DefaultChannel = "streamly_party"

const mailboxSize = 64

// Bus is an in-process broadcast medium made of named channels.
type Bus struct {
	mu       sync.Mutex
	channels map[string]map[*Local]struct{}
}

func NewBus() *Bus {
	return &Bus{channels: make(map[string]map[*Local]struct{})}
}

// Open attaches a new endpoint to channel.
func (b *Bus) Open(channel string) *Local {
	if channel == "" {
		channel = DefaultChannel
	}
	l := &Local{
		bus:     b,
		channel: channel,
		mailbox: make(chan []byte, mailboxSize),
	}

	b.mu.Lock()
	members, ok := b.channels[channel]
	if !ok {
		members = make(map[*Local]struct{})
		b.channels[channel] = members
	}
	members[l] = struct{}{}
	b.mu.Unlock()

	go l.run()
	return l
}

// Endpoints reports how many endpoints are open on channel.
func (b *Bus) Endpoints(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

func (b *Bus) publish(from *Local, data []byte) {
	b.mu.Lock()
	targets := make([]*Local, 0, len(b.channels[from.channel]))
	for l := range b.channels[from.channel] {
		if l != from {
			targets = append(targets, l)
		}
	}
	b.mu.Unlock()

	for _, l := range targets {
		l.deliver(data)
	}
}

func (b *Bus) remove(l *Local) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.channels[l.channel]
	delete(members, l)
	if len(members) == 0 {
		delete(b.channels, l.channel)
	}
}

// Local is one endpoint on a Bus. Frames are handed to the handler from a
// dedicated goroutine, in order. Frames already queued when Close is called
// may still be handed over.
type Local struct {
	bus     *Bus
	channel string
	mailbox chan []byte

	mu      sync.Mutex
	handler func([]byte)
	closed  bool
}

func (l *Local) Join(ctx context.Context, msg protocol.Join) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *Local) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.bus.publish(l, data)
	return nil
}

func (l *Local) OnMessage(handler func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// OnClose is accepted for interface parity; a local endpoint only closes
// when asked to.
func (l *Local) OnClose(func(error)) {}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.mailbox)
	l.mu.Unlock()

	l.bus.remove(l)
	return nil
}

func (l *Local) deliver(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.mailbox <- data:
	default:
		log.Debug().Str("channel", l.channel).Msg("local mailbox full, dropping frame")
	}
}

func (l *Local) run() {
	for data := range l.mailbox {
		l.mu.Lock()
		handler := l.handler
		l.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}
