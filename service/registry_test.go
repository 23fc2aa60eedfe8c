package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"go-tabletop/dto"
	"go-tabletop/entities"
	"go-tabletop/repository"
)

// fakeConn records everything the registry writes to it.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []dto.ServerMessage
	closed bool
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	var msg dto.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) ofType(typ string) []dto.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dto.ServerMessage
	for _, m := range f.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) games(typ string) []*dto.GameMessage {
	var out []*dto.GameMessage
	for _, m := range f.ofType(dto.TypeGameMessage) {
		if m.Game != nil && m.Game.Type == typ {
			out = append(out, m.Game)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(roomCode, event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, roomCode+":"+event)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, repository.Store) {
	t.Helper()
	store := repository.NewMemoryStore()
	return NewRegistry(store, zaptest.NewLogger(t), opts...), store
}

func mustJoin(t *testing.T, reg *Registry, code, playerID string, conn *fakeConn) {
	t.Helper()
	if _, err := reg.Join(context.Background(), code, playerID, playerID+"-alias", conn); err != nil {
		t.Fatalf("join %s: %v", playerID, err)
	}
}

func TestJoinCreatesRoomAndAnnouncesPlayer(t *testing.T) {
	pub := &recordingPublisher{}
	reg, store := newTestRegistry(t, WithPublisher(pub))
	a, b := &fakeConn{}, &fakeConn{}

	mustJoin(t, reg, "R1", "A", a)
	joined := a.ofType(dto.TypeRoomJoined)
	if len(joined) != 1 || joined[0].GameState == nil || joined[0].RoomCode != "R1" {
		t.Fatalf("roomJoined = %+v", joined)
	}
	if _, err := store.Load(context.Background(), "R1"); err != nil {
		t.Fatalf("room was not stored: %v", err)
	}

	mustJoin(t, reg, "R1", "B", b)
	announced := a.ofType(dto.TypePlayerJoined)
	if len(announced) != 1 || announced[0].PlayerID != "B" || announced[0].Alias != "B-alias" {
		t.Fatalf("playerJoined = %+v", announced)
	}
	if len(b.ofType(dto.TypePlayerJoined)) != 0 {
		t.Fatalf("joiner should not hear its own playerJoined")
	}
	if reg.Connections("R1") != 2 {
		t.Fatalf("connections = %d", reg.Connections("R1"))
	}
	if len(pub.events) != 3 {
		t.Fatalf("events = %v", pub.events)
	}
}

func TestJoinGeneratesAnonymousPlayerID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.Join(context.Background(), "R1", "", "", &fakeConn{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if id == "" {
		t.Fatalf("no player id generated")
	}
}

func TestLateJoinerStartsFromGroundTruth(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, b := &fakeConn{}, &fakeConn{}
	ctx := context.Background()

	mustJoin(t, reg, "R1", "A", a)
	err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{
		{UniqueID: "card_1", Position: entities.Some(entities.Position{X: 3, Y: 4}), LastTimestamp: 10},
	}, a)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	mustJoin(t, reg, "R1", "B", b)
	state := b.ofType(dto.TypeRoomJoined)[0].GameState
	if got := state.Cards["card_1"].Position; got.X != 3 || got.Y != 4 {
		t.Fatalf("late joiner position = %+v", got)
	}
}

func TestUpdateRelaysToOthersOnly(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "R1", "A", a)
	mustJoin(t, reg, "R1", "B", b)

	err := reg.UpdateCardState(context.Background(), "R1", "A", []entities.CardUpdate{
		{UniqueID: "card_7", Position: entities.Some(entities.Position{X: 100, Y: 50})},
	}, a)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(a.games(dto.GameCardState)) != 0 {
		t.Fatalf("sender received its own update")
	}
	relayed := b.games(dto.GameCardState)
	if len(relayed) != 1 || relayed[0].PlayerID != "A" {
		t.Fatalf("relayed = %+v", relayed)
	}
	var updates []entities.CardUpdate
	if err := json.Unmarshal(relayed[0].Data, &updates); err != nil {
		t.Fatalf("decode relayed updates: %v", err)
	}
	if len(updates) != 1 || updates[0].UniqueID != "card_7" {
		t.Fatalf("updates = %+v", updates)
	}
	if p := updates[0].Position.Value; p.X != 100 || p.Y != 50 {
		t.Fatalf("position = %+v", p)
	}
	if updates[0].LastTimestamp == 0 {
		t.Fatalf("relayed update was not stamped")
	}
	if updates[0].Location.Set {
		t.Fatalf("omitted location became present in the relay")
	}
}

func TestUpdateValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		code    string
		player  string
		updates []entities.CardUpdate
		want    error
	}{
		{name: "room", code: "", player: "A", updates: []entities.CardUpdate{{UniqueID: "c"}}, want: ErrMissingRoomCode},
		{name: "player", code: "R1", player: "", updates: []entities.CardUpdate{{UniqueID: "c"}}, want: ErrMissingPlayerID},
		{name: "updates", code: "R1", player: "A", want: ErrNoCardStates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.UpdateCardState(ctx, tt.code, tt.player, tt.updates, nil); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDiscardPileSurvivesUpdateWithoutLocation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a := &fakeConn{}
	mustJoin(t, reg, "R1", "A", a)

	if err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{
		{UniqueID: "card_1", Location: entities.Some(entities.LocationDiscardPile)},
	}, a); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{
		{UniqueID: "card_1", IsFlipped: entities.Some(true)},
	}, a); err != nil {
		t.Fatalf("flip: %v", err)
	}

	state, err := reg.Snapshot(ctx, "R1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !state.InDiscard("card_1") {
		t.Fatalf("discard pile = %v, want card_1", state.DiscardPile)
	}
}

func TestFullStateRecoveryConverges(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "R1", "A", a)
	mustJoin(t, reg, "R1", "B", b)

	if err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{
		{UniqueID: "a1", Position: entities.Some(entities.Position{X: 1}), LastTimestamp: 5},
		{UniqueID: "a2", Location: entities.Some(entities.LocationDiscardPile), LastTimestamp: 5},
	}, a); err != nil {
		t.Fatalf("update A: %v", err)
	}
	if err := reg.UpdateCardState(ctx, "R1", "B", []entities.CardUpdate{
		{UniqueID: "b1", IsFlipped: entities.Some(true), LastTimestamp: 6},
	}, b); err != nil {
		t.Fatalf("update B: %v", err)
	}

	if err := reg.RequestFullState(ctx, "R1", "A", a); err != nil {
		t.Fatalf("full state A: %v", err)
	}
	if err := reg.RequestFullState(ctx, "R1", "B", b); err != nil {
		t.Fatalf("full state B: %v", err)
	}

	sa := a.ofType(dto.TypeFullState)[0].GameState
	sb := b.ofType(dto.TypeFullState)[0].GameState
	cardsA, _ := json.Marshal(sa.Cards)
	cardsB, _ := json.Marshal(sb.Cards)
	discardA, _ := json.Marshal(sa.DiscardPile)
	discardB, _ := json.Marshal(sb.DiscardPile)
	if string(cardsA) != string(cardsB) || string(discardA) != string(discardB) {
		t.Fatalf("snapshots differ:\n%s %s\n%s %s", cardsA, discardA, cardsB, discardB)
	}
	if len(sa.Cards) != 3 {
		t.Fatalf("cards = %d, want 3", len(sa.Cards))
	}
}

func TestFullStateForUnknownRoomIsEmpty(t *testing.T) {
	reg, store := newTestRegistry(t)
	conn := &fakeConn{}
	if err := reg.RequestFullState(context.Background(), "nowhere", "A", conn); err != nil {
		t.Fatalf("full state: %v", err)
	}
	msgs := conn.ofType(dto.TypeFullState)
	if len(msgs) != 1 || msgs[0].GameState == nil || len(msgs[0].GameState.Cards) != 0 {
		t.Fatalf("fullState = %+v", msgs)
	}
	codes, _ := store.List(context.Background())
	if len(codes) != 0 {
		t.Fatalf("unknown room was created: %v", codes)
	}
}

func TestCorrectionReachesWholeRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "R1", "A", a)
	mustJoin(t, reg, "R1", "B", b)
	if err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{{UniqueID: "c1"}, {UniqueID: "c2"}}, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := reg.RequestCorrection(ctx, "R1", "B"); err != nil {
		t.Fatalf("correction: %v", err)
	}
	for name, conn := range map[string]*fakeConn{"A": a, "B": b} {
		got := conn.games(dto.GameStateCorrection)
		if len(got) != 1 {
			t.Fatalf("%s corrections = %d", name, len(got))
		}
		var c dto.Correction
		if err := json.Unmarshal(got[0].Data, &c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(c.Cards) != 2 || c.Cards[0].UniqueID != "c1" {
			t.Fatalf("%s correction cards = %+v", name, c.Cards)
		}
	}
}

func TestRelayHashSkipsSender(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "R1", "A", a)
	mustJoin(t, reg, "R1", "B", b)

	hash := &dto.StateHash{Fingerprint: "abc", CardCount: 1, Timestamp: 9, PlayerID: "A"}
	if err := reg.RelayHash(context.Background(), "R1", hash, a); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(a.games(dto.GameStateHash)) != 0 || len(b.games(dto.GameStateHash)) != 1 {
		t.Fatalf("hash relay went to the wrong connections")
	}
	if err := reg.RelayHash(context.Background(), "R1", nil, a); !errors.Is(err, ErrMissingHash) {
		t.Fatalf("err = %v", err)
	}
}

func TestResetAndRemoveCards(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "R1", "A", a)
	mustJoin(t, reg, "R1", "B", b)
	if err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{{UniqueID: "c1"}, {UniqueID: "c2"}}, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := reg.RemoveCards(ctx, "R1", "A", []string{"c1"}, a); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(b.games(dto.GameCardRemoved)) != 1 {
		t.Fatalf("cardRemoved not relayed")
	}
	state, _ := reg.Snapshot(ctx, "R1")
	if _, ok := state.Cards["c1"]; ok || len(state.Cards) != 1 {
		t.Fatalf("cards after remove = %v", state.Cards)
	}

	if err := reg.Reset(ctx, "R1", "B"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(a.ofType(dto.TypeResetGame)) != 1 || len(b.ofType(dto.TypeResetGame)) != 1 {
		t.Fatalf("reset must reach every connection")
	}
	state, _ = reg.Snapshot(ctx, "R1")
	if len(state.Cards) != 0 || len(state.DiscardPile) != 0 {
		t.Fatalf("state after reset = %+v", state)
	}
}

func TestLeaveKeepsStateAndAnnounces(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a, a2, b := &fakeConn{}, &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "R1", "A", a)
	mustJoin(t, reg, "R1", "A", a2)
	mustJoin(t, reg, "R1", "B", b)
	if err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{
		{UniqueID: "c1", Location: entities.Some(entities.LocationDiscardPile)},
	}, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := reg.Leave(ctx, "R1", a); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(b.ofType(dto.TypePlayerLeft)) != 0 {
		t.Fatalf("playerLeft sent while A still has a connection")
	}
	if err := reg.Leave(ctx, "R1", a2); err != nil {
		t.Fatalf("leave: %v", err)
	}
	left := b.ofType(dto.TypePlayerLeft)
	if len(left) != 1 || left[0].PlayerID != "A" {
		t.Fatalf("playerLeft = %+v", left)
	}

	state, _ := reg.Snapshot(ctx, "R1")
	if !state.InDiscard("c1") || state.Players["A"].Online {
		t.Fatalf("state after leave = %+v", state)
	}
}

func TestRejoinRetainsPriorMutations(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	first := &fakeConn{}
	mustJoin(t, reg, "R1", "A", first)
	if err := reg.UpdateCardState(ctx, "R1", "A", []entities.CardUpdate{
		{UniqueID: "c1", Position: entities.Some(entities.Position{X: 42})},
	}, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.Leave(ctx, "R1", first); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if reg.Connections("R1") != 0 {
		t.Fatalf("connections = %d", reg.Connections("R1"))
	}

	second := &fakeConn{}
	mustJoin(t, reg, "R1", "A", second)
	state := second.ofType(dto.TypeRoomJoined)[0].GameState
	if state.Cards["c1"].Position.X != 42 {
		t.Fatalf("rejoin snapshot = %+v", state.Cards)
	}
}

func TestSweepRemovesOnlyIdleEmptyRooms(t *testing.T) {
	clk := &clock{now: time.UnixMilli(1_000_000)}
	reg, store := newTestRegistry(t, WithClock(clk.Now))
	ctx := context.Background()

	idle, busy, recent := &fakeConn{}, &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "idle", "A", idle)
	mustJoin(t, reg, "busy", "B", busy)
	if err := reg.Leave(ctx, "idle", idle); err != nil {
		t.Fatalf("leave: %v", err)
	}

	clk.Advance(30 * time.Minute)
	mustJoin(t, reg, "recent", "C", recent)
	if err := reg.Leave(ctx, "recent", recent); err != nil {
		t.Fatalf("leave: %v", err)
	}

	removed, err := reg.Sweep(ctx, 20*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "idle" {
		t.Fatalf("removed = %v, want [idle]", removed)
	}
	codes, _ := store.List(ctx)
	if fmt.Sprint(codes) != "[busy recent]" {
		t.Fatalf("remaining rooms = %v", codes)
	}
}

// keepAliveStore records which rooms had their expiry pushed back.
type keepAliveStore struct {
	*repository.MemoryStore
	mu   sync.Mutex
	kept []string
}

func (s *keepAliveStore) KeepAlive(ctx context.Context, code string) error {
	s.mu.Lock()
	s.kept = append(s.kept, code)
	s.mu.Unlock()
	return s.MemoryStore.KeepAlive(ctx, code)
}

func TestSweepKeepsConnectedRoomsAlive(t *testing.T) {
	clk := &clock{now: time.UnixMilli(1_000_000)}
	store := &keepAliveStore{MemoryStore: repository.NewMemoryStore()}
	reg := NewRegistry(store, zaptest.NewLogger(t), WithClock(clk.Now))
	ctx := context.Background()

	busy, left := &fakeConn{}, &fakeConn{}
	mustJoin(t, reg, "busy", "A", busy)
	mustJoin(t, reg, "left", "B", left)
	if err := reg.Leave(ctx, "left", left); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// 玩家一直在线但只发心跳
	clk.Advance(2 * time.Hour)
	if _, err := reg.Sweep(ctx, 20*time.Minute); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if fmt.Sprint(store.kept) != "[busy]" {
		t.Fatalf("kept alive = %v, want [busy]", store.kept)
	}
	if _, err := store.Load(ctx, "busy"); err != nil {
		t.Fatalf("connected room lost: %v", err)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := fmt.Sprintf("room-%d", i)
			conn := &fakeConn{}
			if _, err := reg.Join(ctx, code, "P", "", conn); err != nil {
				t.Errorf("join: %v", err)
				return
			}
			for j := 0; j < 20; j++ {
				u := entities.CardUpdate{UniqueID: fmt.Sprintf("c%d", j), LastTimestamp: int64(j + 1)}
				if err := reg.UpdateCardState(ctx, code, "P", []entities.CardUpdate{u}, conn); err != nil {
					t.Errorf("update: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	rooms, err := reg.Rooms(ctx)
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if len(rooms) != 8 {
		t.Fatalf("rooms = %d", len(rooms))
	}
	for _, info := range rooms {
		if info.Cards != 20 || info.Connections != 1 {
			t.Fatalf("room %s = %+v", info.RoomCode, info)
		}
	}
}

func TestCreateRoomAndClose(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	code, err := reg.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("code = %q", code)
	}
	if _, err := reg.Room(ctx, code); err != nil {
		t.Fatalf("room info: %v", err)
	}

	conn := &fakeConn{}
	mustJoin(t, reg, code, "A", conn)
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !conn.closed {
		t.Fatalf("connection left open")
	}
}
