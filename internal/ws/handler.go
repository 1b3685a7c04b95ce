package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"streamly/internal/relay"
)

// Handler upgrades plain net/http requests and hands the socket to the relay.
type Handler struct {
	hub      *relay.Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *relay.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connection upgraded")

	h.hub.Serve(conn)
}
