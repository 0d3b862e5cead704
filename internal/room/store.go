package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultStarterCode seeds rooms that have never been saved.
const DefaultStarterCode = `# Welcome to the shared room!
# Everyone here edits the same buffer.

def greet(name):
    return f"Hello, {name}!"

print(greet("world"))
`

// Loader fetches a room's persisted canonical code. ok is false when the room
// has never been saved.
type Loader interface {
	LoadCode(ctx context.Context, roomID string) (code string, ok bool, err error)
}

// Store owns the live rooms. Rooms are created on first access and dropped
// when their last member leaves.
type Store struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	loader      Loader
	starter     string
	loadTimeout time.Duration
	opts        Options
}

func NewStore(loader Loader, starter string, opts Options) *Store {
	if starter == "" {
		starter = DefaultStarterCode
	}
	return &Store{
		rooms:       make(map[string]*Room),
		loader:      loader,
		starter:     starter,
		loadTimeout: 5 * time.Second,
		opts:        opts,
	}
}

// Load fetches the code a room should start from. A failed or empty load
// falls back to the starter snippet. It blocks on the loader, so the hub
// calls it off its own goroutine and then Installs the result.
func (s *Store) Load(ctx context.Context, roomID string) string {
	if s.loader == nil {
		return s.starter
	}
	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	code, ok, err := s.loader.LoadCode(ctx, roomID)
	if err != nil {
		slog.Warn("loading room code failed, using starter code", "room_id", roomID, "error", err)
		return s.starter
	}
	if !ok || code == "" {
		return s.starter
	}
	return code
}

// Install makes a room with code live. An already live room wins.
func (s *Store) Install(roomID, code string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := NewRoom(roomID, code, s.opts)
	s.rooms[roomID] = r
	return r
}

func (s *Store) Get(roomID string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// Drop discards all in-memory state for the room.
func (s *Store) Drop(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Store) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// IDs returns the live room IDs in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
