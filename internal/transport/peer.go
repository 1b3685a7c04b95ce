package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"streamly/internal/protocol"
)

// Peer sends party messages over an open WebRTC data channel. There are no
// rooms: whoever is on the other end of the channel is the party.
type Peer struct {
	dc          *webrtc.DataChannel
	release     func() error
	releaseOnce sync.Once

	mu      sync.Mutex
	handler func([]byte)
	onClose func(error)
	closed  bool
}

// NewPeer wraps dc. release, when set, is called once on Close to tear down
// the owning peer connection, also when the remote side closed the channel
// first.
func NewPeer(dc *webrtc.DataChannel, release func() error) *Peer {
	p := &Peer{dc: dc, release: release}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if len(msg.Data) > protocol.MaxFrameSize {
			log.Debug().Int("size", len(msg.Data)).Msg("ignoring oversized peer frame")
			return
		}
		p.mu.Lock()
		handler := p.handler
		p.mu.Unlock()
		if handler != nil {
			handler(msg.Data)
		}
	})
	dc.OnClose(func() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.closed = true
		onClose := p.onClose
		p.mu.Unlock()

		log.Info().Str("label", dc.Label()).Msg("peer data channel closed")
		if onClose != nil {
			onClose(ErrClosed)
		}
	})
	return p
}

func (p *Peer) Join(ctx context.Context, msg protocol.Join) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *Peer) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := p.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send on data channel: %w", err)
	}
	return nil
}

func (p *Peer) OnMessage(handler func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *Peer) OnClose(handler func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = handler
}

func (p *Peer) Close() error {
	p.mu.Lock()
	wasClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	var err error
	if !wasClosed {
		err = p.dc.Close()
	}
	p.releaseOnce.Do(func() {
		if p.release == nil {
			return
		}
		if rerr := p.release(); rerr != nil && err == nil {
			err = rerr
		}
	})
	return err
}
