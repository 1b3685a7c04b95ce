// Package media classifies playback URLs into directly controllable files
// and third-party embeds that expose no seekable timeline.
package media

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
)

type Kind string

const (
	KindUnknown Kind = "unknown"
	KindDirect  Kind = "direct"
	KindYouTube Kind = "youtube"
	KindVimeo   Kind = "vimeo"
)

type Source struct {
	Kind     Kind
	URL      string
	ID       string
	EmbedURL string
}

var (
	youTubeRe      = regexp.MustCompile(`(?i)(?:youtube\.com/watch\?v=|youtu\.be/)([A-Za-z0-9_-]{6,})`)
	youTubeShortRe = regexp.MustCompile(`(?i)youtu\.be/([A-Za-z0-9_-]{6,})`)
	youTubeEmbedRe = regexp.MustCompile(`(?i)/embed/([A-Za-z0-9_-]{6,})`)
	vimeoRe        = regexp.MustCompile(`(?i)vimeo\.com/(\d+)`)
	vimeoPlayerRe  = regexp.MustCompile(`(?i)player\.vimeo\.com/video/(\d+)`)
)

// Parse classifies raw. Anything that is not a recognizable embed is treated
// as a direct file.
func Parse(raw string) Source {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return Source{Kind: KindUnknown}
	}

	if youTubeRe.MatchString(clean) {
		id := youTubeID(clean)
		if id == "" {
			return Source{Kind: KindUnknown, URL: clean}
		}
		return Source{
			Kind:     KindYouTube,
			URL:      clean,
			ID:       id,
			EmbedURL: "https://www.youtube-nocookie.com/embed/" + url.PathEscape(id) + "?playsinline=1&rel=0",
		}
	}

	if vimeoRe.MatchString(clean) || vimeoPlayerRe.MatchString(clean) {
		id := vimeoID(clean)
		if id == "" {
			return Source{Kind: KindUnknown, URL: clean}
		}
		return Source{
			Kind:     KindVimeo,
			URL:      clean,
			ID:       id,
			EmbedURL: "https://player.vimeo.com/video/" + url.PathEscape(id) + "?dnt=1",
		}
	}

	return Source{Kind: KindDirect, URL: clean}
}

// Embedded reports whether the source plays inside a third-party iframe.
func (s Source) Embedded() bool {
	return s.Kind == KindYouTube || s.Kind == KindVimeo
}

// WithStart returns the embed URL that starts playback at offset seconds.
// Direct sources are returned unchanged; the player seeks those in place.
func (s Source) WithStart(offset float64) string {
	if !s.Embedded() {
		return s.URL
	}
	if math.IsNaN(offset) || math.IsInf(offset, 0) {
		return s.EmbedURL
	}
	sec := int(math.Max(0, math.Floor(offset)))
	switch s.Kind {
	case KindYouTube:
		return fmt.Sprintf("%s&start=%d", s.EmbedURL, sec)
	default:
		return fmt.Sprintf("%s#t=%ds", s.EmbedURL, sec)
	}
}

func youTubeID(raw string) string {
	if m := youTubeShortRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if u, err := url.Parse(raw); err == nil {
		if v := u.Query().Get("v"); v != "" {
			return v
		}
	}
	if m := youTubeEmbedRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

func vimeoID(raw string) string {
	if m := vimeoRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if m := vimeoPlayerRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}
