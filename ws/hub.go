package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-tabletop/dto"
	"go-tabletop/service"
)

// Handler 负责把 HTTP 升级为 WebSocket 并分发消息
type Handler struct {
	registry *service.Registry
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(registry *service.Registry, logger *zap.Logger, opts Options) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// session is the per-connection state owned by the read loop.
type session struct {
	conn     *Conn
	roomCode string
	playerID string
}

// HandleWebSocket 主入口（处理每个连接）
// roomCode / playerId / alias 查询参数可选，带上则连接后立即入房
func (h *Handler) HandleWebSocket(c *gin.Context) {
	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(wsConn, h.opts)
	go conn.writePump()

	ctx := context.WithoutCancel(c.Request.Context())
	s := &session{conn: conn}
	defer h.cleanup(ctx, s)

	if code := c.Query("roomCode"); code != "" {
		h.dispatch(ctx, s, &dto.ClientMessage{
			Type:     dto.TypeJoinRoom,
			RoomCode: code,
			PlayerID: c.Query("playerId"),
			Alias:    c.Query("alias"),
		})
	}
	h.listen(ctx, s)
}

func (h *Handler) listen(ctx context.Context, s *session) {
	s.conn.prepareRead()
	for {
		data, err := s.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read failed", zap.String("room", s.roomCode), zap.String("player", s.playerID), zap.Error(err))
			}
			return
		}

		var msg dto.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("malformed message", zap.String("player", s.playerID), zap.Error(err))
			h.sendError(s, "malformed message")
			continue
		}
		h.dispatch(ctx, s, &msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, s *session, msg *dto.ClientMessage) {
	handler, found := messageHandlers[msg.Type]
	if !found {
		h.logger.Warn("unknown message type", zap.String("type", msg.Type), zap.String("player", s.playerID))
		h.sendError(s, "unknown message type: "+msg.Type)
		return
	}
	if err := handler(ctx, h, s, msg); err != nil {
		h.logger.Warn("message rejected",
			zap.String("type", msg.Type),
			zap.String("room", s.roomCode),
			zap.String("player", s.playerID),
			zap.Error(err))
		h.sendError(s, err.Error())
	}
}

func (h *Handler) cleanup(ctx context.Context, s *session) {
	if s.roomCode != "" {
		if err := h.registry.Leave(ctx, s.roomCode, s.conn); err != nil {
			h.logger.Warn("leave on disconnect", zap.String("room", s.roomCode), zap.Error(err))
		}
	}
	_ = s.conn.Close()
}

func (h *Handler) send(s *session, msg dto.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug("send failed", zap.String("player", s.playerID), zap.Error(err))
	}
}

func (h *Handler) sendError(s *session, message string) {
	h.send(s, dto.ServerMessage{Type: dto.TypeError, RoomCode: s.roomCode, Message: message})
}
