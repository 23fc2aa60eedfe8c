package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"go-tabletop/dto"
	"go-tabletop/entities"
	"go-tabletop/notifier"
	"go-tabletop/repository"
)

var (
	ErrMissingRoomCode = errors.New("missing roomCode")
	ErrMissingPlayerID = errors.New("missing playerId")
	ErrNoCardStates    = errors.New("cardStates is empty")
	ErrNoCardIDs       = errors.New("uniqueIds is empty")
	ErrMissingHash     = errors.New("missing hash")
)

// Member 房间内的一条在线连接
type Member struct {
	PlayerID string
	Alias    string
	Conn     dto.ConnInterface
}

// room guards one room's handlers and its live connections. The state itself
// lives in the store. An entry with removed set has been dropped from the
// registry index and must be looked up again.
type room struct {
	mu      sync.Mutex
	code    string
	members []*Member
	removed bool
}

// Registry is the authority for every room served by this process.
type Registry struct {
	store     repository.Store
	logger    *zap.Logger
	publisher notifier.Publisher
	now       func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

type Option func(*Registry)

func WithPublisher(p notifier.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store repository.Store, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		logger:    logger,
		publisher: notifier.Nop{},
		now:       time.Now,
		rooms:     make(map[string]*room),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockRoom returns the locked entry for code, creating the index entry if needed.
func (r *Registry) lockRoom(code string) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[code]
		if !ok {
			rm = &room{code: code}
			r.rooms[code] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.removed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// release unlocks rm and drops it from the index when nobody is connected.
func (r *Registry) release(rm *room) {
	if len(rm.members) == 0 {
		rm.removed = true
		r.mu.Lock()
		if r.rooms[rm.code] == rm {
			delete(r.rooms, rm.code)
		}
		r.mu.Unlock()
	}
	rm.mu.Unlock()
}

func (r *Registry) load(ctx context.Context, code string) (*entities.RoomState, bool, error) {
	state, err := r.store.Load(ctx, code)
	if errors.Is(err, repository.ErrRoomNotFound) {
		return entities.NewRoomState(code, r.now()), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// CreateRoom 生成 8 位房间号并初始化空房间
func (r *Registry) CreateRoom(ctx context.Context) (string, error) {
	for {
		code := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
		rm := r.lockRoom(code)
		_, exists, err := r.load(ctx, code)
		if err != nil {
			r.release(rm)
			return "", err
		}
		if exists {
			r.release(rm)
			continue
		}
		err = r.store.Save(ctx, entities.NewRoomState(code, r.now()))
		r.release(rm)
		if err != nil {
			return "", fmt.Errorf("create room %s: %w", code, err)
		}
		r.publisher.Publish(code, notifier.EventRoomCreated, nil)
		r.logger.Info("room created", zap.String("room", code))
		return code, nil
	}
}

// Join registers conn under the room, creating the room when it does not
// exist, and answers with the current snapshot. It returns the player id,
// generating one for anonymous players.
func (r *Registry) Join(ctx context.Context, code, playerID, alias string, conn dto.ConnInterface) (string, error) {
	if code == "" {
		return "", ErrMissingRoomCode
	}
	if playerID == "" {
		playerID = uuid.New().String()
	}

	rm := r.lockRoom(code)
	defer r.release(rm)

	state, existed, err := r.load(ctx, code)
	if err != nil {
		return "", err
	}

	now := r.now()
	player := state.Players[playerID]
	if alias != "" {
		player.Alias = alias
	} else if player.Alias == "" {
		player.Alias = playerID
	}
	player.LastSeen = now.UnixMilli()
	player.Online = true
	state.Players[playerID] = player
	state.Touch(now)
	if err := r.store.Save(ctx, state); err != nil {
		return "", err
	}

	var member *Member
	for _, m := range rm.members {
		if m.Conn == conn {
			member = m
		}
	}
	if member == nil {
		member = &Member{Conn: conn}
		rm.members = append(rm.members, member)
	}
	member.PlayerID = playerID
	member.Alias = player.Alias

	r.sendTo(rm, member, dto.ServerMessage{
		Type:      dto.TypeRoomJoined,
		RoomCode:  code,
		PlayerID:  playerID,
		Alias:     player.Alias,
		GameState: state,
	})
	r.broadcast(rm, dto.ServerMessage{
		Type:     dto.TypePlayerJoined,
		RoomCode: code,
		PlayerID: playerID,
		Alias:    player.Alias,
	}, conn)

	if !existed {
		r.publisher.Publish(code, notifier.EventRoomCreated, nil)
		r.logger.Info("room created", zap.String("room", code))
	}
	r.publisher.Publish(code, notifier.EventPlayerJoined, map[string]string{"playerId": playerID, "alias": player.Alias})
	r.logger.Info("player joined",
		zap.String("room", code),
		zap.String("player", playerID),
		zap.Int("connections", len(rm.members)))
	return playerID, nil
}

// UpdateCardState applies the updates with last-writer-wins and relays them to
// every other connection in the room.
func (r *Registry) UpdateCardState(ctx context.Context, code, playerID string, updates []entities.CardUpdate, sender dto.ConnInterface) error {
	if code == "" {
		return ErrMissingRoomCode
	}
	if playerID == "" {
		return ErrMissingPlayerID
	}
	if len(updates) == 0 {
		return ErrNoCardStates
	}

	rm := r.lockRoom(code)
	defer r.release(rm)

	state, _, err := r.load(ctx, code)
	if err != nil {
		return err
	}
	now := r.now()
	stamped := state.Apply(updates, now)
	state.Touch(now)
	if err := r.store.Save(ctx, state); err != nil {
		return err
	}

	game, err := dto.NewGameMessage(dto.GameCardState, playerID, stamped)
	if err != nil {
		return err
	}
	r.broadcast(rm, dto.ServerMessage{Type: dto.TypeGameMessage, RoomCode: code, Game: game}, sender)
	return nil
}

// RequestFullState answers the requester only. An unknown room yields an
// empty state and is not created.
func (r *Registry) RequestFullState(ctx context.Context, code, playerID string, conn dto.ConnInterface) error {
	if code == "" {
		return ErrMissingRoomCode
	}
	state, err := r.Snapshot(ctx, code)
	if err != nil {
		return err
	}
	return r.write(conn, dto.ServerMessage{
		Type:      dto.TypeFullState,
		RoomCode:  code,
		PlayerID:  playerID,
		GameState: state,
	})
}

// Snapshot returns the room state, or an empty state when the room is unknown.
func (r *Registry) Snapshot(ctx context.Context, code string) (*entities.RoomState, error) {
	state, _, err := r.load(ctx, code)
	return state, err
}

// RequestCorrection rebroadcasts every card in the room to every connection,
// requester included.
func (r *Registry) RequestCorrection(ctx context.Context, code, playerID string) error {
	if code == "" {
		return ErrMissingRoomCode
	}

	rm := r.lockRoom(code)
	defer r.release(rm)

	state, exists, err := r.load(ctx, code)
	if err != nil {
		return err
	}
	if exists {
		state.Touch(r.now())
		if err := r.store.Save(ctx, state); err != nil {
			return err
		}
	}

	game, err := dto.NewGameMessage(dto.GameStateCorrection, playerID, dto.Correction{
		Cards:       state.CardList(),
		DiscardPile: state.DiscardPile,
	})
	if err != nil {
		return err
	}
	r.broadcast(rm, dto.ServerMessage{Type: dto.TypeGameMessage, RoomCode: code, Game: game}, nil)
	r.logger.Debug("state correction broadcast",
		zap.String("room", code),
		zap.String("player", playerID),
		zap.Int("cards", len(state.Cards)))
	return nil
}

// RelayHash forwards a replica fingerprint to the rest of the room.
func (r *Registry) RelayHash(_ context.Context, code string, hash *dto.StateHash, sender dto.ConnInterface) error {
	if code == "" {
		return ErrMissingRoomCode
	}
	if hash == nil {
		return ErrMissingHash
	}

	rm := r.lockRoom(code)
	defer r.release(rm)

	game, err := dto.NewGameMessage(dto.GameStateHash, hash.PlayerID, hash)
	if err != nil {
		return err
	}
	r.broadcast(rm, dto.ServerMessage{Type: dto.TypeGameMessage, RoomCode: code, Game: game}, sender)
	return nil
}

// RemoveCards destroys records that were shuffled back into a deck.
func (r *Registry) RemoveCards(ctx context.Context, code, playerID string, ids []string, sender dto.ConnInterface) error {
	if code == "" {
		return ErrMissingRoomCode
	}
	if len(ids) == 0 {
		return ErrNoCardIDs
	}

	rm := r.lockRoom(code)
	defer r.release(rm)

	state, _, err := r.load(ctx, code)
	if err != nil {
		return err
	}
	removed := state.Remove(ids)
	state.Touch(r.now())
	if err := r.store.Save(ctx, state); err != nil {
		return err
	}

	game, err := dto.NewGameMessage(dto.GameCardRemoved, playerID, removed)
	if err != nil {
		return err
	}
	r.broadcast(rm, dto.ServerMessage{Type: dto.TypeGameMessage, RoomCode: code, Game: game}, sender)
	return nil
}

// Reset clears every card in the room and tells every connection to do the same.
func (r *Registry) Reset(ctx context.Context, code, playerID string) error {
	if code == "" {
		return ErrMissingRoomCode
	}

	rm := r.lockRoom(code)
	defer r.release(rm)

	state, _, err := r.load(ctx, code)
	if err != nil {
		return err
	}
	state.Reset()
	state.Touch(r.now())
	if err := r.store.Save(ctx, state); err != nil {
		return err
	}

	r.broadcast(rm, dto.ServerMessage{Type: dto.TypeResetGame, RoomCode: code, PlayerID: playerID}, nil)
	r.publisher.Publish(code, notifier.EventTableReset, map[string]string{"playerId": playerID})
	r.logger.Info("table reset", zap.String("room", code), zap.String("player", playerID))
	return nil
}

// Leave detaches conn from the room. The player's cards stay; when this was
// the player's last connection the room hears playerLeft.
func (r *Registry) Leave(ctx context.Context, code string, conn dto.ConnInterface) error {
	if code == "" {
		return ErrMissingRoomCode
	}

	rm := r.lockRoom(code)
	defer r.release(rm)

	var leaving *Member
	kept := rm.members[:0]
	for _, m := range rm.members {
		if m.Conn == conn {
			leaving = m
			continue
		}
		kept = append(kept, m)
	}
	rm.members = kept
	if leaving == nil {
		return nil
	}

	for _, m := range rm.members {
		if m.PlayerID == leaving.PlayerID {
			// 同一玩家还有其他连接
			return nil
		}
	}

	state, exists, err := r.load(ctx, code)
	if err != nil {
		return err
	}
	if exists {
		now := r.now()
		player := state.Players[leaving.PlayerID]
		player.Online = false
		player.LastSeen = now.UnixMilli()
		state.Players[leaving.PlayerID] = player
		state.Touch(now)
		if err := r.store.Save(ctx, state); err != nil {
			return err
		}
	}

	r.broadcast(rm, dto.ServerMessage{Type: dto.TypePlayerLeft, RoomCode: code, PlayerID: leaving.PlayerID}, nil)
	r.publisher.Publish(code, notifier.EventPlayerLeft, map[string]string{"playerId": leaving.PlayerID})
	r.logger.Info("player left",
		zap.String("room", code),
		zap.String("player", leaving.PlayerID),
		zap.Int("connections", len(rm.members)))
	return nil
}

// Rooms lists every stored room with its live connection counts.
func (r *Registry) Rooms(ctx context.Context) ([]dto.RoomInfo, error) {
	codes, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	rooms := make([]dto.RoomInfo, 0, len(codes))
	for _, code := range codes {
		info, err := r.Room(ctx, code)
		if errors.Is(err, repository.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, info)
	}
	return rooms, nil
}

func (r *Registry) Room(ctx context.Context, code string) (dto.RoomInfo, error) {
	state, err := r.store.Load(ctx, code)
	if err != nil {
		return dto.RoomInfo{}, err
	}

	rm := r.lockRoom(code)
	conns := len(rm.members)
	online := make(map[string]struct{})
	for _, m := range rm.members {
		online[m.PlayerID] = struct{}{}
	}
	r.release(rm)

	return dto.RoomInfo{
		RoomCode:     code,
		Players:      len(state.Players),
		OnlinePlayer: len(online),
		Connections:  conns,
		Cards:        len(state.Cards),
		LastActivity: state.LastActivity,
	}, nil
}

// Connections reports how many live connections a room has.
func (r *Registry) Connections(code string) int {
	r.mu.Lock()
	rm, ok := r.rooms[code]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.removed {
		return 0
	}
	return len(rm.members)
}

// Close closes every live connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	var err error
	for _, rm := range rooms {
		rm.mu.Lock()
		for _, m := range rm.members {
			err = multierr.Append(err, m.Conn.Close())
		}
		rm.mu.Unlock()
	}
	return err
}

func (r *Registry) sendTo(rm *room, m *Member, msg dto.ServerMessage) {
	if err := r.write(m.Conn, msg); err != nil {
		r.logger.Warn("send failed, closing connection",
			zap.String("room", rm.code),
			zap.String("player", m.PlayerID),
			zap.Error(err))
		_ = m.Conn.Close()
	}
}

// broadcast sends msg to every member except the one holding skip.
func (r *Registry) broadcast(rm *room, msg dto.ServerMessage, skip dto.ConnInterface) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encode broadcast", zap.String("room", rm.code), zap.Error(err))
		return
	}
	for _, m := range rm.members {
		if skip != nil && m.Conn == skip {
			continue
		}
		if err := m.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			r.logger.Warn("broadcast failed, closing connection",
				zap.String("room", rm.code),
				zap.String("player", m.PlayerID),
				zap.Error(err))
			_ = m.Conn.Close()
		}
	}
}

func (r *Registry) write(conn dto.ConnInterface, msg dto.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
