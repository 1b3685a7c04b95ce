// Package signaling sets up a peer-to-peer data channel by exchanging one
// offer and one answer out of band (copy and paste). Candidates are gathered
// before a description is handed out, so no trickle exchange is needed.
package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"streamly/internal/transport"
)

var ErrInvalidDescription = errors.New("invalid session description")

type Config struct {
	ICEServers    []string
	GatherTimeout time.Duration
	Label         string
	Clock         clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		GatherTimeout: 3 * time.Second,
		Label:         "party",
		Clock:         clockwork.NewRealClock(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = d.GatherTimeout
	}
	if c.Label == "" {
		c.Label = d.Label
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

// Encode renders desc as an opaque copyable string.
func Encode(desc webrtc.SessionDescription) (string, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("marshal description: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a string produced by Encode, or the raw JSON form, and
// checks that it is a well-formed description of the wanted type.
func Decode(s string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty", ErrInvalidDescription)
	}

	data := []byte(s)
	if !strings.HasPrefix(s, "{") {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
		}
		data = decoded
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: got %s, want %s", ErrInvalidDescription, desc.Type, want)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	return desc, nil
}

// session is the part shared by both sides: one peer connection and a
// one-shot hand-off of the opened data channel.
type session struct {
	config Config
	pc     *webrtc.PeerConnection

	ready     chan *transport.Peer
	readyOnce sync.Once
}

func newSession(config Config) (*session, error) {
	config = config.withDefaults()

	rtcConfig := webrtc.Configuration{}
	if len(config.ICEServers) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &session{
		config: config,
		pc:     pc,
		ready:  make(chan *transport.Peer, 1),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("state", state.String()).Msg("peer connection state changed")
	})
	return s, nil
}

func (s *session) watch(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.readyOnce.Do(func() {
			log.Info().Str("label", dc.Label()).Msg("peer data channel open")
			s.ready <- transport.NewPeer(dc, s.pc.Close)
		})
	})
}

// describe sets local as the local description and waits for candidate
// gathering, giving up on completeness after GatherTimeout.
func (s *session) describe(ctx context.Context, local webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(local); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-s.config.Clock.After(s.config.GatherTimeout):
		log.Warn().Dur("timeout", s.config.GatherTimeout).Msg("ICE gathering incomplete, using candidates so far")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	desc := s.pc.LocalDescription()
	if desc == nil {
		return "", errors.New("no local description")
	}
	return Encode(*desc)
}

// Ready yields the data channel transport once it opens.
func (s *session) Ready() <-chan *transport.Peer {
	return s.ready
}

func (s *session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

func (s *session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *session) Close() error {
	return s.pc.Close()
}

// Offerer is the side that opens the data channel.
type Offerer struct {
	*session
}

func NewOfferer(config Config) (*Offerer, error) {
	s, err := newSession(config)
	if err != nil {
		return nil, err
	}
	ordered := true
	dc, err := s.pc.CreateDataChannel(s.config.Label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = s.pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	s.watch(dc)
	return &Offerer{session: s}, nil
}

// Offer returns the encoded offer to hand to the other side.
func (o *Offerer) Offer(ctx context.Context) (string, error) {
	offer, err := o.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return o.describe(ctx, offer)
}

// AcceptAnswer applies the other side's answer. An answer that does not
// decode leaves the connection as it was, so the user can paste again.
func (o *Offerer) AcceptAnswer(answer string) error {
	desc, err := Decode(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := o.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Answerer is the side that receives the data channel.
type Answerer struct {
	*session
}

func NewAnswerer(config Config) (*Answerer, error) {
	s, err := newSession(config)
	if err != nil {
		return nil, err
	}
	s.pc.OnDataChannel(s.watch)
	return &Answerer{session: s}, nil
}

// Answer applies offer and returns the encoded answer.
func (a *Answerer) Answer(ctx context.Context, offer string) (string, error) {
	desc, err := Decode(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return "", err
	}
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return a.describe(ctx, answer)
}
