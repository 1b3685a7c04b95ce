package hertzapi

import (
	"context"
	"strings"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog/log"

	"streamly/internal/hertzws"
	"streamly/internal/relay"
)

// Banner 根路径返回的文本
const Banner = "Streamly WS relay is running."

// NewRouter 初始化Hertz路由
func NewRouter(h *server.Hertz, hub *relay.Hub) *server.Hertz {
	// 创建WebSocket处理器
	wsHandler := hertzws.NewHandler(hub)

	// 注册中间件
	h.Use(recoveryMiddleware())
	h.Use(loggerMiddleware())

	h.GET("/", func(c context.Context, ctx *app.RequestContext) {
		ctx.String(consts.StatusOK, Banner)
	})

	// 健康检查接口
	h.GET("/healthz", func(c context.Context, ctx *app.RequestContext) {
		ctx.String(consts.StatusOK, "ok")
	})

	// API路由组
	api := h.Group("/api")
	{
		// 房间统计接口
		roomsGroup := api.Group("/rooms")
		{
			roomsGroup.GET("", handleListRooms(hub))
			roomsGroup.GET("/:room", handleGetRoom(hub))
		}
	}

	// WebSocket路由
	h.GET("/ws", wsHandler.HandleWebSocket)

	return h
}

// recoveryMiddleware 恢复中间件
func recoveryMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Str("path", string(ctx.Path())).Msg("handler panicked")
				ctx.String(consts.StatusInternalServerError, "Internal Server Error")
			}
		}()
		ctx.Next(c)
	}
}

// loggerMiddleware 日志中间件，WebSocket路由在连接结束后才返回，因此不记录
func loggerMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		path := string(ctx.Path())
		ctx.Next(c)
		if path == "/ws" {
			return
		}
		ilog.EventInfo(c, "http_request",
			"method", string(ctx.Method()),
			"path", path,
			"status", ctx.Response.StatusCode(),
		)
	}
}

// handleListRooms 返回所有房间的人数
func handleListRooms(hub *relay.Hub) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, hub.Stats())
	}
}

// handleGetRoom 获取单个房间状态
func handleGetRoom(hub *relay.Hub) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		name := strings.TrimSpace(ctx.Param("room"))
		room, ok := hub.Rooms().Lookup(name)
		if !ok {
			respondError(ctx, consts.StatusNotFound, "room_not_found", "room not found")
			return
		}
		ctx.JSON(consts.StatusOK, roomResponse{
			Room:         room.ID(),
			Participants: room.ParticipantCount(),
		})
	}
}

type roomResponse struct {
	Room         string `json:"room"`
	Participants int    `json:"participants"`
}

// respondError 返回错误响应
func respondError(ctx *app.RequestContext, status int, code, message string) {
	ctx.JSON(status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
