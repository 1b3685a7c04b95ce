// Package party is the watch party sync engine. It recognizes a host,
// estimates the host's playback position from timestamped snapshots and
// corrects the local player, and emits snapshots of its own while it hosts.
package party

import (
	"errors"
	"fmt"
	"math"
	"time"

	"streamly/internal/protocol"
)

type Mode string

const (
	ModeOff    Mode = "off"
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModePeer   Mode = "peer"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeLocal, ModeRemote, ModePeer:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type Phase string

const (
	PhaseOff        Phase = "off"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
)

const (
	// Drift beyond which a play or pause also seeks.
	PlayDriftThreshold = 0.75
	// Drift beyond which a periodic snapshot seeks.
	StateDriftThreshold = 1.1

	TickInterval = 900 * time.Millisecond
)

var (
	ErrUnknownMode       = errors.New("unknown party mode")
	ErrRoomRequired      = errors.New("room is required")
	ErrTransportRequired = errors.New("transport is required")
	ErrNotRunning        = errors.New("party is not running")
	ErrStopped           = errors.New("party stopped while starting")
)

// Status is a copy of the party state.
type Status struct {
	Mode     Mode   `json:"mode"`
	Room     string `json:"room"`
	ClientID string `json:"clientId"`
	HostID   string `json:"hostId,omitempty"`
	IsHost   bool   `json:"isHost"`
	Phase    Phase  `json:"phase"`
	Follow   bool   `json:"follow"`
}

func (s Status) Role() string {
	switch {
	case s.Phase == PhaseOff:
		return "none"
	case s.IsHost:
		return "host"
	case s.HostID == "":
		return "undecided"
	default:
		return "guest"
	}
}

// Correction tells the player how to catch up with the host. Seek is applied
// before Play or Pause.
type Correction struct {
	Action protocol.Action
	Seek   bool
	Target float64
	Play   bool
	Pause  bool
}

func (c Correction) empty() bool {
	return !c.Seek && !c.Play && !c.Pause
}

// Player is the local playback surface the engine drives.
type Player interface {
	CurrentLocalTime() float64
	IsLocallyPaused() bool
	// NowPlaying reports the open media, if any.
	NowPlaying() (protocol.MediaRef, bool)
	OnRemoteLoad(media protocol.MediaRef, offset float64, autoplay bool)
	OnRemoteTransportState(c Correction)
}

// Serializer is implemented by players whose local controls can run on
// other goroutines than the engine's delivery. Serialize runs fn with local
// controls held off, so the events a remote update causes are told apart
// from a concurrent local command, which runs after fn and is emitted.
type Serializer interface {
	Serialize(fn func())
}

// Catalog is the read-only media library lookup.
type Catalog interface {
	GetByID(itemID string) (protocol.MediaRef, bool)
}

// EstimateRemoteTime extrapolates the sender's playback position at now.
// A paused snapshot does not advance; a snapshot without sentAt is taken as
// sent at now.
func EstimateRemoteTime(p protocol.Payload, now time.Time) float64 {
	if p.Paused {
		return p.Time
	}
	if p.SentAt == 0 {
		return math.Max(0, p.Time)
	}
	elapsed := float64(now.UnixMilli()-p.SentAt) / 1000
	return math.Max(0, p.Time+elapsed)
}

// correctionFor computes what the player must do for a play, pause, seek or
// state payload, given the estimated remote time t.
func correctionFor(action protocol.Action, t, local float64, remotePaused, localPaused bool) Correction {
	c := Correction{Action: action, Target: t}
	drift := math.Abs(local - t)
	switch action {
	case protocol.ActionPlay:
		c.Seek = drift > PlayDriftThreshold
		c.Play = true
	case protocol.ActionPause:
		c.Seek = drift > PlayDriftThreshold
		c.Pause = true
	case protocol.ActionSeek:
		c.Seek = true
	case protocol.ActionState:
		c.Seek = drift > StateDriftThreshold
		c.Play = !remotePaused && localPaused
		c.Pause = remotePaused && !localPaused
	}
	return c
}

// resolveMedia prefers the local catalog entry and otherwise builds a
// transient descriptor from the payload.
func resolveMedia(catalog Catalog, ref protocol.MediaRef) protocol.MediaRef {
	source := ref.Source
	if source == "" {
		source = protocol.SourceMain
	}
	if ref.ItemID != "" && catalog != nil {
		if item, ok := catalog.GetByID(ref.ItemID); ok {
			item.ItemID = ref.ItemID
			item.Source = source
			return item
		}
	}
	title := ref.Title
	if title == "" {
		title = "Untitled"
	}
	kind := ref.Kind
	if kind == "" {
		kind = "movie"
	}
	return protocol.MediaRef{
		Title:      title,
		Kind:       kind,
		VideoURL:   ref.VideoURL,
		TrailerURL: ref.TrailerURL,
		PosterURL:  ref.PosterURL,
		Source:     source,
	}
}
