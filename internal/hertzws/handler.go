package hertzws

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"
	"github.com/rs/zerolog/log"

	"streamly/internal/relay"
)

// Handler WebSocket处理器
type Handler struct {
	hub      *relay.Hub
	upgrader websocket.HertzUpgrader
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *relay.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.HertzUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(ctx *app.RequestContext) bool {
				return true
			},
		},
	}
}

// HandleWebSocket 升级连接并交给中继的读循环，直到连接断开
func (h *Handler) HandleWebSocket(c context.Context, ctx *app.RequestContext) {
	remote := ctx.RemoteAddr().String()
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		log.Debug().Str("remote", remote).Msg("websocket connection upgraded")
		h.hub.Serve(conn)
	})
	if err != nil {
		// 升级失败时响应已写出
		log.Debug().Err(err).Str("remote", remote).Msg("websocket upgrade failed")
	}
}
