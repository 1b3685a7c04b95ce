package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"streamly/internal/protocol"
)

type RemoteOptions struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	MaxFrameSize int
}

func (o RemoteOptions) withDefaults() RemoteOptions {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.MaxFrameSize
	}
	return o
}

// Remote talks to a relay server over a WebSocket. Relay pings are answered
// by the connection's default ping handler while the reader runs.
type Remote struct {
	conn    *websocket.Conn
	options RemoteOptions

	writeMu sync.Mutex

	mu       sync.Mutex
	handler  func([]byte)
	onClose  func(error)
	reading  bool
	closed   bool
	closeErr error
}

// DialRemote connects to the relay at url (ws:// or wss://).
func DialRemote(ctx context.Context, url string, options RemoteOptions) (*Remote, error) {
	options = options.withDefaults()
	conn, resp, err := options.Dialer.DialContext(ctx, url, options.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	return &Remote{conn: conn, options: options}, nil
}

// Join sends the join frame and starts the reader.
func (r *Remote) Join(ctx context.Context, msg protocol.Join) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Send(msg); err != nil {
		return fmt.Errorf("join %q: %w", msg.Room, err)
	}

	r.mu.Lock()
	start := !r.reading
	r.reading = true
	r.mu.Unlock()
	if start {
		go r.readLoop()
	}
	return nil
}

func (r *Remote) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > r.options.MaxFrameSize {
		return protocol.ErrFrameTooLarge
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.options.WriteTimeout))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (r *Remote) OnMessage(handler func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

func (r *Remote) OnClose(handler func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = handler
}

func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()
	return r.conn.Close()
}

func (r *Remote) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.fail(err)
			return
		}
		if len(data) > r.options.MaxFrameSize {
			log.Debug().Int("size", len(data)).Msg("ignoring oversized relay frame")
			continue
		}
		r.mu.Lock()
		handler := r.handler
		r.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (r *Remote) fail(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeErr = err
	onClose := r.onClose
	r.mu.Unlock()

	_ = r.conn.Close()
	log.Info().Err(err).Msg("relay connection lost")
	if onClose != nil {
		onClose(err)
	}
}

// Err returns the error that ended the connection, if it ended on its own.
func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}
