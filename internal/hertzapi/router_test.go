package hertzapi

import (
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/jonboulle/clockwork"

	"streamly/internal/relay"
)

type member struct{ id int }

func (*member) Send([]byte) bool { return true }

func newTestRouter(t *testing.T) (*server.Hertz, *relay.Hub) {
	t.Helper()
	hub := relay.NewHub(relay.DefaultConfig(), nil, relay.WithClock(clockwork.NewFakeClock()))
	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	return NewRouter(h, hub), hub
}

// TestHealthz 测试健康检查与根路径
func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(t)

	w := ut.PerformRequest(h.Engine, "GET", "/healthz", nil)
	resp := w.Result()
	if resp.StatusCode() != 200 || string(resp.Body()) != "ok" {
		t.Fatalf("unexpected healthz response %d %q", resp.StatusCode(), resp.Body())
	}

	w = ut.PerformRequest(h.Engine, "GET", "/", nil)
	if got := string(w.Result().Body()); got != Banner {
		t.Errorf("unexpected banner %q", got)
	}
}

// TestRoomStats 测试房间统计接口
func TestRoomStats(t *testing.T) {
	h, hub := newTestRouter(t)
	hub.Rooms().Join("movie-night", &member{id: 1})
	hub.Rooms().Join("movie-night", &member{id: 2})

	w := ut.PerformRequest(h.Engine, "GET", "/api/rooms", nil)
	var stats relay.Stats
	if err := json.Unmarshal(w.Result().Body(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Rooms["movie-night"] != 2 {
		t.Errorf("expected 2 members, got %+v", stats)
	}

	w = ut.PerformRequest(h.Engine, "GET", "/api/rooms/movie-night", nil)
	var room roomResponse
	if err := json.Unmarshal(w.Result().Body(), &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if room.Room != "movie-night" || room.Participants != 2 {
		t.Errorf("unexpected room %+v", room)
	}

	w = ut.PerformRequest(h.Engine, "GET", "/api/rooms/missing", nil)
	if w.Result().StatusCode() != 404 {
		t.Errorf("expected 404, got %d", w.Result().StatusCode())
	}
}
