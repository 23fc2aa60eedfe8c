package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-tabletop/dto"
	"go-tabletop/entities"
	"go-tabletop/reconcile"
	"go-tabletop/utils"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrUnknownCard    = errors.New("unknown card")
	ErrManagerClosed  = errors.New("manager closed")
)

type Options struct {
	URL      string
	PlayerID string
	Alias    string

	ConnectTimeout    time.Duration
	HealthTimeout     time.Duration
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration

	Reconcile reconcile.Options
}

func DefaultOptions(url string) Options {
	return Options{
		URL:               url,
		ConnectTimeout:    5 * time.Second,
		HealthTimeout:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		BackoffMin:        500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		Reconcile:         reconcile.DefaultOptions(),
	}
}

// Manager owns one player's connection to a room and the local replica.
type Manager struct {
	dialer   Dialer
	opts     Options
	logger   *zap.Logger
	listener Listener
	view     *View
	engine   *reconcile.Engine
	now      func() time.Time

	mu        sync.Mutex
	conn      Conn
	roomCode  string
	status    Status
	lastHeard time.Time
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func NewManager(dialer Dialer, listener Listener, opts Options, logger *zap.Logger) *Manager {
	if listener == nil {
		listener = NopListener{}
	}
	m := &Manager{
		dialer:   dialer,
		opts:     opts,
		logger:   logger,
		listener: listener,
		view:     NewView(listener),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	m.view.SetPlayerID(opts.PlayerID)
	m.engine = reconcile.NewEngine(m.view, m, opts.Reconcile, logger)
	return m
}

func (m *Manager) View() *View { return m.view }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if changed {
		m.listener.StatusChanged(s)
	}
}

// Connect dials, joins roomCode and replaces the local view with the
// snapshot the room answers with. A handshake that does not finish within
// ConnectTimeout leaves the manager offline and returns ErrConnectTimeout.
func (m *Manager) Connect(ctx context.Context, roomCode string) error {
	m.setStatus(StatusConnecting)
	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(cctx, m.opts.URL)
	if err != nil {
		m.setStatus(StatusOffline)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return err
	}

	if err := writeJSON(conn, dto.ClientMessage{
		Type:     dto.TypeJoinRoom,
		RoomCode: roomCode,
		PlayerID: m.view.PlayerID(),
		Alias:    m.opts.Alias,
	}); err != nil {
		_ = conn.Close()
		m.setStatus(StatusOffline)
		return err
	}

	joined := make(chan dto.ServerMessage, 1)
	failed := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				failed <- err
				return
			}
			var msg dto.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == dto.TypeRoomJoined {
				joined <- msg
				return
			}
			if msg.Type == dto.TypeError {
				failed <- fmt.Errorf("join rejected: %s", msg.Message)
				return
			}
		}
	}()

	select {
	case msg := <-joined:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			m.setStatus(StatusOffline)
			return ErrManagerClosed
		}
		m.conn = conn
		m.roomCode = roomCode
		m.lastHeard = m.now()
		m.mu.Unlock()
		m.view.SetPlayerID(msg.PlayerID)
		m.view.ApplySnapshot(msg.GameState)
		m.setStatus(StatusOnline)
		m.logger.Info("joined room", zap.String("room", roomCode), zap.String("player", msg.PlayerID))
		return nil
	case err := <-failed:
		_ = conn.Close()
		m.setStatus(StatusOffline)
		return err
	case <-cctx.Done():
		// 关闭连接让读协程退出
		_ = conn.Close()
		m.setStatus(StatusOffline)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return cctx.Err()
	}
}

// Run reads the room until ctx is done, keeping the connection healthy and
// reconnecting with backoff whenever it drops. Connect must succeed first.
// Run returns nil once Close has been called.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	roomCode := m.roomCode
	m.mu.Unlock()
	if roomCode == "" {
		return ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	go m.keepAlive(ctx)
	go m.engine.Run(ctx)

	for {
		if conn := m.current(); conn != nil {
			m.readLoop(ctx, conn)
		}
		if m.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			m.drop()
			return ctx.Err()
		}
		m.drop()
		if err := m.reconnect(ctx, roomCode); err != nil {
			if m.isClosed() {
				return nil
			}
			return err
		}
	}
}

func (m *Manager) reconnect(ctx context.Context, roomCode string) error {
	for attempt := 0; ; attempt++ {
		wait := utils.Backoff(attempt, m.opts.BackoffMin, m.opts.BackoffMax)
		m.logger.Info("reconnecting", zap.String("room", roomCode), zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if m.isClosed() {
			return ErrManagerClosed
		}
		err := m.Connect(ctx, roomCode)
		if err == nil || errors.Is(err, ErrManagerClosed) {
			return err
		}
		m.logger.Warn("reconnect failed", zap.String("room", roomCode), zap.Error(err))
	}
}

// keepAlive sends heartbeats and closes a connection that has gone silent,
// which makes Run reconnect.
func (m *Manager) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 解除 readLoop 的阻塞读
			m.drop()
			return
		case <-ticker.C:
			m.mu.Lock()
			conn, silent := m.conn, m.now().Sub(m.lastHeard)
			m.mu.Unlock()
			if conn == nil {
				continue
			}
			if silent > m.opts.HealthTimeout {
				m.logger.Warn("connection silent, forcing reconnect", zap.Duration("silent", silent))
				_ = conn.Close()
				continue
			}
			_ = m.send(dto.ClientMessage{Type: dto.TypeHeartbeat})
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Info("connection lost", zap.Error(err))
			}
			return
		}
		m.mu.Lock()
		m.lastHeard = m.now()
		m.mu.Unlock()

		var msg dto.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("malformed server message", zap.Error(err))
			continue
		}
		m.handle(ctx, &msg)
	}
}

func (m *Manager) handle(ctx context.Context, msg *dto.ServerMessage) {
	switch msg.Type {
	case dto.TypeRoomJoined, dto.TypeFullState:
		m.view.ApplySnapshot(msg.GameState)
	case dto.TypeResetGame:
		m.view.Reset()
	case dto.TypeGameMessage:
		if msg.Game != nil {
			m.handleGame(ctx, msg.Game)
		}
	case dto.TypePlayerJoined, dto.TypePlayerLeft:
		m.logger.Debug(msg.Type, zap.String("player", msg.PlayerID), zap.String("alias", msg.Alias))
	case dto.TypeError:
		m.logger.Warn("server error", zap.String("message", msg.Message))
	}
}

func (m *Manager) handleGame(ctx context.Context, game *dto.GameMessage) {
	var err error
	switch game.Type {
	case dto.GameCardState:
		var updates []entities.CardUpdate
		if err = json.Unmarshal(game.Data, &updates); err == nil {
			m.view.ApplyRemote(game.PlayerID, updates)
		}
	case dto.GameStateHash:
		var hash dto.StateHash
		if err = json.Unmarshal(game.Data, &hash); err == nil {
			m.engine.Observe(ctx, hash)
		}
	case dto.GameStateCorrection:
		var c dto.Correction
		if err = json.Unmarshal(game.Data, &c); err == nil {
			m.view.ApplyCorrection(c.Cards, c.DiscardPile)
		}
	case dto.GameCardRemoved:
		var ids []string
		if err = json.Unmarshal(game.Data, &ids); err == nil && game.PlayerID != m.view.PlayerID() {
			m.view.Remove(ids)
		}
	}
	if err != nil {
		m.logger.Warn("malformed game message", zap.String("type", game.Type), zap.Error(err))
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) current() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager) drop() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.setStatus(StatusOffline)
}

// Close leaves the room and closes the connection. A closed manager never
// reconnects.
func (m *Manager) Close() error {
	_ = m.send(dto.ClientMessage{Type: dto.TypeLeaveRoom})
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })
	m.setStatus(StatusOffline)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (m *Manager) send(msg dto.ClientMessage) error {
	m.mu.Lock()
	conn := m.conn
	if msg.RoomCode == "" {
		msg.RoomCode = m.roomCode
	}
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if msg.PlayerID == "" {
		msg.PlayerID = m.view.PlayerID()
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return writeJSON(conn, msg)
}

func writeJSON(conn Conn, msg dto.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendHash and RequestCorrection let the reconciliation engine use this
// connection.
func (m *Manager) SendHash(_ context.Context, hash dto.StateHash) error {
	return m.send(dto.ClientMessage{Type: dto.TypeStateHash, Hash: &hash})
}

func (m *Manager) RequestCorrection(_ context.Context) error {
	return m.send(dto.ClientMessage{Type: dto.TypeRequestCorrection})
}
