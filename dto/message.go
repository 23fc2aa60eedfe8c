package dto

import (
	"encoding/json"

	"go-tabletop/entities"
)

// 客户端 → 服务端
const (
	TypeJoinRoom          = "joinRoom"
	TypeLeaveRoom         = "leaveRoom"
	TypeUpdateCardState   = "updateCardState"
	TypeRequestFullState  = "requestFullState"
	TypeRequestCorrection = "requestStateCorrection"
	TypeStateHash         = "stateHash"
	TypeRemoveCards       = "removeCards"
	TypeResetGame         = "resetGame"
	TypeHeartbeat         = "heartbeat"
)

// 服务端 → 客户端
const (
	TypeRoomJoined   = "roomJoined"
	TypeGameMessage  = "gameMessage"
	TypeFullState    = "fullState"
	TypePlayerJoined = "playerJoined"
	TypePlayerLeft   = "playerLeft"
	TypeError        = "error"
	TypeHeartbeatAck = "heartbeatAck"
)

// gameMessage 内层类型
const (
	GameCardState       = "cardState"
	GameStateHash       = "stateHash"
	GameStateCorrection = "stateCorrection"
	GameCardRemoved     = "cardRemoved"
)

// ClientMessage is every request a client can send. Handlers validate the
// fields their type needs.
type ClientMessage struct {
	Type       string                `json:"type"`
	RoomCode   string                `json:"roomCode,omitempty"`
	PlayerID   string                `json:"playerId,omitempty"`
	Alias      string                `json:"alias,omitempty"`
	CardStates []entities.CardUpdate `json:"cardStates,omitempty"`
	UniqueIDs  []string              `json:"uniqueIds,omitempty"`
	Hash       *StateHash            `json:"hash,omitempty"`
}

type ServerMessage struct {
	Type      string              `json:"type"`
	RoomCode  string              `json:"roomCode,omitempty"`
	PlayerID  string              `json:"playerId,omitempty"`
	Alias     string              `json:"alias,omitempty"`
	GameState *entities.RoomState `json:"gameState,omitempty"`
	Game      *GameMessage        `json:"game,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp int64               `json:"timestamp,omitempty"`
}

// GameMessage is relayed room traffic; Data depends on Type.
type GameMessage struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	PlayerID string          `json:"playerId,omitempty"`
}

func NewGameMessage(msgType, playerID string, data any) (*GameMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &GameMessage{Type: msgType, Data: raw, PlayerID: playerID}, nil
}

// StateHash is the fingerprint a replica gossips to its room.
type StateHash struct {
	Fingerprint string `json:"fingerprint"`
	CardCount   int    `json:"cardCount"`
	Timestamp   int64  `json:"timestamp"`
	PlayerID    string `json:"playerId"`
}

// Correction is the payload of a stateCorrection game message.
type Correction struct {
	Cards       []entities.Card `json:"cards"`
	DiscardPile []string        `json:"discardPile"`
}

// ConnInterface 服务端向单个连接写消息
type ConnInterface interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}
