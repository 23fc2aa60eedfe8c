package repository

import (
	"context"
	"errors"

	"go-tabletop/entities"
)

var ErrRoomNotFound = errors.New("room not found")

// Store holds authoritative room state. Implementations return copies, so a
// caller must Save after mutating.
type Store interface {
	Load(ctx context.Context, roomCode string) (*entities.RoomState, error)
	Save(ctx context.Context, state *entities.RoomState) error
	Delete(ctx context.Context, roomCode string) error
	List(ctx context.Context) ([]string, error)
	// KeepAlive pushes back any expiry on a room that is still in use.
	KeepAlive(ctx context.Context, roomCode string) error
	Close() error
}
