package ws

import (
	"context"
	"time"

	"go-tabletop/dto"
)

type messageHandler func(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error

var messageHandlers = map[string]messageHandler{
	dto.TypeJoinRoom:          handleJoinRoom,
	dto.TypeLeaveRoom:         handleLeaveRoom,
	dto.TypeUpdateCardState:   handleUpdateCardState,
	dto.TypeRequestFullState:  handleRequestFullState,
	dto.TypeRequestCorrection: handleRequestCorrection,
	dto.TypeStateHash:         handleStateHash,
	dto.TypeRemoveCards:       handleRemoveCards,
	dto.TypeResetGame:         handleResetGame,
	dto.TypeHeartbeat:         handleHeartbeat,
}

// roomOf 消息里没带房间号时沿用当前会话的房间
func roomOf(s *session, msg *dto.ClientMessage) string {
	if msg.RoomCode != "" {
		return msg.RoomCode
	}
	return s.roomCode
}

func playerOf(s *session, msg *dto.ClientMessage) string {
	if s.playerID != "" {
		return s.playerID
	}
	return msg.PlayerID
}

func handleJoinRoom(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error {
	code := roomOf(s, msg)
	// 切换房间时先离开旧房间
	if s.roomCode != "" && s.roomCode != code {
		if err := h.registry.Leave(ctx, s.roomCode, s.conn); err != nil {
			return err
		}
		s.roomCode = ""
	}

	playerID := msg.PlayerID
	if playerID == "" {
		playerID = s.playerID
	}
	joined, err := h.registry.Join(ctx, code, playerID, msg.Alias, s.conn)
	if err != nil {
		return err
	}
	s.roomCode = code
	s.playerID = joined
	return nil
}

func handleLeaveRoom(ctx context.Context, h *Handler, s *session, _ *dto.ClientMessage) error {
	if s.roomCode == "" {
		return nil
	}
	err := h.registry.Leave(ctx, s.roomCode, s.conn)
	s.roomCode = ""
	return err
}

func handleUpdateCardState(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error {
	return h.registry.UpdateCardState(ctx, roomOf(s, msg), playerOf(s, msg), msg.CardStates, s.conn)
}

func handleRequestFullState(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error {
	return h.registry.RequestFullState(ctx, roomOf(s, msg), playerOf(s, msg), s.conn)
}

func handleRequestCorrection(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error {
	return h.registry.RequestCorrection(ctx, roomOf(s, msg), playerOf(s, msg))
}

func handleStateHash(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error {
	if msg.Hash != nil && msg.Hash.PlayerID == "" {
		msg.Hash.PlayerID = playerOf(s, msg)
	}
	return h.registry.RelayHash(ctx, roomOf(s, msg), msg.Hash, s.conn)
}

func handleRemoveCards(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error {
	return h.registry.RemoveCards(ctx, roomOf(s, msg), playerOf(s, msg), msg.UniqueIDs, s.conn)
}

func handleResetGame(ctx context.Context, h *Handler, s *session, msg *dto.ClientMessage) error {
	return h.registry.Reset(ctx, roomOf(s, msg), playerOf(s, msg))
}

func handleHeartbeat(_ context.Context, h *Handler, s *session, _ *dto.ClientMessage) error {
	h.send(s, dto.ServerMessage{
		Type:      dto.TypeHeartbeatAck,
		RoomCode:  s.roomCode,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}
