// Package snapshot persists one serialized document per room.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"altar/api/internal/apperr"
)

// Store is a durable key/value store of room snapshots. Load returns an
// error wrapping apperr.ErrNotFound when the room was never saved.
type Store interface {
	Load(ctx context.Context, roomID string) ([]byte, error)
	Save(ctx context.Context, roomID string, data []byte) error
	Ping(ctx context.Context) error
}

// Key is the object name a room's snapshot is stored under.
func Key(roomID string) string {
	return "room-" + roomID + ".json"
}

// ValidRoomID rejects ids that could escape a key namespace or a directory.
func ValidRoomID(roomID string) error {
	if roomID == "" || len(roomID) > 128 {
		return apperr.InvalidInput("room id must be 1-128 characters")
	}
	if strings.ContainsAny(roomID, "/\\") || strings.Contains(roomID, "..") {
		return apperr.InvalidInput("room id %q contains path characters", roomID)
	}
	return nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string][]byte{}}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.items[Key(roomID)]
	if !ok {
		return nil, apperr.NotFound("snapshot for room %s", roomID)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(_ context.Context, roomID string, data []byte) error {
	s.mu.Lock()
	s.items[Key(roomID)] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func unsupportedBackend(name string) error {
	return fmt.Errorf("unknown snapshot backend %q", name)
}
