package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxFrameSize is the largest frame accepted by the relay and the transports.
const MaxFrameSize = 64 * 1024

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownType    = errors.New("unknown message type")
	ErrUnknownAction  = errors.New("unknown action")
	ErrMissingPayload = errors.New("missing payload")
	ErrMissingMedia   = errors.New("load action without media")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

type Type string

const (
	TypeJoin     Type = "join"
	TypeJoined   Type = "joined"
	TypeState    Type = "state"
	TypeSync     Type = "sync"
	TypeReqState Type = "req_state"
)

type Action string

const (
	ActionLoad  Action = "load"
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionSeek  Action = "seek"
	ActionState Action = "state"
)

func (a Action) Valid() bool {
	switch a {
	case ActionLoad, ActionPlay, ActionPause, ActionSeek, ActionState:
		return true
	}
	return false
}

// MediaRef carries enough of a catalog entry to start playback on a peer
// that does not have the entry locally.
type MediaRef struct {
	ItemID     string `json:"itemId,omitempty"`
	Title      string `json:"title"`
	Kind       string `json:"kind"`
	VideoURL   string `json:"videoUrl"`
	TrailerURL string `json:"trailerUrl"`
	PosterURL  string `json:"posterUrl"`
	Source     string `json:"source"`
}

const (
	SourceMain    = "main"
	SourceTrailer = "trailer"
)

// PlaybackURL returns the URL selected by Source.
func (m MediaRef) PlaybackURL() string {
	if m.Source == SourceTrailer {
		return m.TrailerURL
	}
	return m.VideoURL
}

// Payload is a timestamped playback snapshot. SentAt is the sender's wall
// clock in unix milliseconds.
type Payload struct {
	Action Action    `json:"action"`
	Media  *MediaRef `json:"media,omitempty"`
	Time   float64   `json:"time"`
	Paused bool      `json:"paused"`
	SentAt int64     `json:"sentAt"`
	HostID string    `json:"hostId,omitempty"`
}

// Message is one of Join, Joined, ReqState, State or Sync.
type Message interface {
	Type() Type
	RoomName() string
	Sender() string
	isMessage()
}

type Join struct {
	Room string
	From string
}

type Joined struct {
	Room string
}

type ReqState struct {
	Room string
	From string
}

type State struct {
	Room    string
	From    string
	Payload Payload
}

type Sync struct {
	Room    string
	From    string
	Payload Payload
}

func (Join) Type() Type     { return TypeJoin }
func (Joined) Type() Type   { return TypeJoined }
func (ReqState) Type() Type { return TypeReqState }
func (State) Type() Type    { return TypeState }
func (Sync) Type() Type     { return TypeSync }

func (m Join) RoomName() string     { return m.Room }
func (m Joined) RoomName() string   { return m.Room }
func (m ReqState) RoomName() string { return m.Room }
func (m State) RoomName() string    { return m.Room }
func (m Sync) RoomName() string     { return m.Room }

func (m Join) Sender() string     { return m.From }
func (Joined) Sender() string     { return "" }
func (m ReqState) Sender() string { return m.From }
func (m State) Sender() string    { return m.From }
func (m Sync) Sender() string     { return m.From }

func (Join) isMessage()     {}
func (Joined) isMessage()   {}
func (ReqState) isMessage() {}
func (State) isMessage()    {}
func (Sync) isMessage()     {}

type envelope struct {
	Type    Type     `json:"type"`
	Room    string   `json:"room"`
	From    string   `json:"from,omitempty"`
	Payload *Payload `json:"payload,omitempty"`
}

type inboundEnvelope struct {
	Type    Type            `json:"type"`
	Room    *string         `json:"room"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Header is the part of a frame the relay looks at. Room is trimmed.
type Header struct {
	Type Type
	Room string
}

// ParseHeader decodes only the routing fields of a frame. A frame without a
// string room yields an empty Room.
func ParseHeader(raw []byte) (Header, error) {
	var in struct {
		Type Type            `json:"type"`
		Room json.RawMessage `json:"room"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h := Header{Type: in.Type}
	var room string
	if len(in.Room) > 0 && json.Unmarshal(in.Room, &room) == nil {
		h.Room = strings.TrimSpace(room)
	}
	return h, nil
}

func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type(), Room: m.RoomName(), From: m.Sender()}
	switch v := m.(type) {
	case State:
		p := v.Payload
		env.Payload = &p
	case Sync:
		p := v.Payload
		env.Payload = &p
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode parses and validates a frame. Every error wraps one of the package
// sentinels so callers can drop the frame without inspecting it further.
func Decode(raw []byte) (Message, error) {
	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	var in inboundEnvelope
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Room == nil {
		return nil, fmt.Errorf("%w: missing room", ErrMalformed)
	}
	room := strings.TrimSpace(*in.Room)

	switch in.Type {
	case TypeJoin:
		return Join{Room: room, From: in.From}, nil
	case TypeJoined:
		return Joined{Room: room}, nil
	case TypeReqState:
		return ReqState{Room: room, From: in.From}, nil
	case TypeState, TypeSync:
		p, err := decodePayload(in.Payload)
		if err != nil {
			return nil, err
		}
		if in.Type == TypeState {
			if p.Action != ActionState {
				return nil, fmt.Errorf("%w: %q in state message", ErrUnknownAction, p.Action)
			}
			return State{Room: room, From: in.From, Payload: p}, nil
		}
		return Sync{Room: room, From: in.From, Payload: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}, ErrMissingPayload
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if !p.Action.Valid() {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
	}
	if p.Action == ActionLoad && p.Media == nil {
		return Payload{}, ErrMissingMedia
	}
	return p, nil
}
