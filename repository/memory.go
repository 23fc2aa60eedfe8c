package repository

import (
	"context"
	"sort"
	"sync"

	"go-tabletop/entities"
)

type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*entities.RoomState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*entities.RoomState)}
}

func (m *MemoryStore) Load(_ context.Context, roomCode string) (*entities.RoomState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rooms[roomCode]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, state *entities.RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[state.RoomCode] = state.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, roomCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomCode)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

// KeepAlive is a no-op: memory rooms only leave through Delete.
func (m *MemoryStore) KeepAlive(context.Context, string) error { return nil }

func (m *MemoryStore) Close() error { return nil }
