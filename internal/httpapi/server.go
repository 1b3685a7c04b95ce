package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"

	"streamly/internal/relay"
	"streamly/internal/ws"
)

const banner = "Streamly WS relay is running."

type Server struct {
	hub    *relay.Hub
	ws     *ws.Handler
	router *echo.Echo
	cors   *cors.Cors
}

type roomResponse struct {
	Room         string `json:"room"`
	Participants int    `json:"participants"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer builds the echo engine. An empty allowedOrigins list allows any
// origin.
func NewServer(hub *relay.Hub, allowedOrigins []string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/ws"
		},
	}))

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	server := &Server{
		hub:    hub,
		ws:     ws.NewHandler(hub),
		router: e,
		cors: cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}),
	}

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, banner)
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/api/rooms", server.handleListRooms)
	e.GET("/api/rooms/:room", server.handleGetRoom)
	e.GET("/ws", server.handleWebSocket)

	return server
}

func (s *Server) Router() http.Handler {
	return s.cors.Handler(s.router)
}

func (s *Server) handleListRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Stats())
}

func (s *Server) handleGetRoom(c echo.Context) error {
	name := strings.TrimSpace(c.Param("room"))
	room, ok := s.hub.Rooms().Lookup(name)
	if !ok {
		return respondError(c, http.StatusNotFound, "room_not_found", "room not found")
	}
	return c.JSON(http.StatusOK, roomResponse{
		Room:         room.ID(),
		Participants: room.ParticipantCount(),
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	// The socket handler owns the connection from here on.
	s.ws.ServeHTTP(c.Response(), c.Request())
	return nil
}

func respondError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]errorBody{
		"error": {Code: code, Message: message},
	})
}
