package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"altar/api/internal/apperr"
	"altar/api/internal/document"
	"altar/api/internal/snapshot"
)

var errShuttingDown = errors.New("room registry is shutting down")

// Registry owns the process-wide set of live rooms. At most one actor exists
// per room id; concurrent first connections share a single snapshot load.
type Registry struct {
	store snapshot.Store
	opts  Options
	log   zerolog.Logger

	loads singleflight.Group

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	// orphanMu serializes orphan retries against loads that consume an
	// orphan, so a retry never overwrites a newer save.
	orphanMu sync.Mutex
	orphans  map[string][]byte
}

func NewRegistry(store snapshot.Store, opts Options, log zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		opts:    opts.withDefaults(),
		log:     log.With().Str("component", "rooms").Logger(),
		rooms:   map[string]*Room{},
		orphans: map[string][]byte{},
	}
}

// Attach joins a session to the room, creating and loading the room on first
// use. A room that is draining is awaited and replaced by a fresh actor.
func (g *Registry) Attach(ctx context.Context, roomID string, info SessionInfo, transport Transport) (*Room, error) {
	for {
		room, err := g.lookup(roomID)
		if err != nil {
			return nil, err
		}
		err = room.attach(ctx, info, transport)
		if errors.Is(err, ErrRoomClosed) {
			select {
			case <-room.Done():
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

func (g *Registry) lookup(roomID string) (*Room, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, apperr.Transient(errShuttingDown, "attach room %s", roomID)
	}
	if room, ok := g.rooms[roomID]; ok {
		g.mu.Unlock()
		return room, nil
	}
	g.mu.Unlock()

	v, err, _ := g.loads.Do(roomID, func() (any, error) {
		g.mu.Lock()
		if room, ok := g.rooms[roomID]; ok {
			g.mu.Unlock()
			return room, nil
		}
		g.mu.Unlock()

		doc, fromOrphan, err := g.load(roomID)
		if err != nil {
			return nil, err
		}
		room := newRoom(roomID, doc, fromOrphan, g.store, g.opts, g.log, g.evicted)

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			return nil, apperr.Transient(errShuttingDown, "attach room %s", roomID)
		}
		g.rooms[roomID] = room
		go room.run()
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// load prefers a parked orphan over the backend, since the orphan is newer
// than anything the backend holds.
func (g *Registry) load(roomID string) (*document.Document, bool, error) {
	g.orphanMu.Lock()
	orphan, ok := g.orphans[roomID]
	if ok {
		delete(g.orphans, roomID)
	}
	g.orphanMu.Unlock()

	if ok {
		doc, err := document.Decode(orphan)
		if err == nil {
			g.log.Info().Str("room", roomID).Msg("restored room from unsaved snapshot")
			return doc, true, nil
		}
		g.log.Error().Err(err).Str("room", roomID).Msg("discarding undecodable orphan snapshot")
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.LoadTimeout)
	defer cancel()
	start := time.Now()
	data, err := g.store.Load(ctx, roomID)
	if errors.Is(err, apperr.ErrNotFound) {
		g.log.Info().Str("room", roomID).Msg("starting empty room")
		return document.New(), false, nil
	}
	if err != nil {
		return nil, false, apperr.Transient(err, "load room %s", roomID)
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("room %s: %w", roomID, err)
	}
	g.log.Info().Str("room", roomID).Int("bytes", len(data)).Dur("took", time.Since(start)).Msg("room loaded")
	return doc, false, nil
}

func (g *Registry) evicted(room *Room, unsaved []byte, saveErr error) {
	if saveErr != nil && unsaved != nil {
		g.orphanMu.Lock()
		g.orphans[room.id] = unsaved
		g.orphanMu.Unlock()
		g.log.Error().Err(saveErr).Str("room", room.id).Msg("parked unsaved room snapshot for retry")
	}

	g.mu.Lock()
	if current, ok := g.rooms[room.id]; ok && current == room {
		delete(g.rooms, room.id)
	}
	g.mu.Unlock()
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Get returns the live room for roomID, if any.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// Orphans reports how many drained rooms are waiting for a successful save.
func (g *Registry) Orphans() int {
	g.orphanMu.Lock()
	defer g.orphanMu.Unlock()
	return len(g.orphans)
}

// RetryOrphans tries to save every parked snapshot once and returns how many
// remain parked.
func (g *Registry) RetryOrphans(ctx context.Context) int {
	g.orphanMu.Lock()
	defer g.orphanMu.Unlock()

	for roomID, data := range g.orphans {
		saveCtx, cancel := context.WithTimeout(ctx, g.opts.SaveTimeout)
		err := g.store.Save(saveCtx, roomID, data)
		cancel()
		if err != nil {
			g.log.Warn().Err(err).Str("room", roomID).Msg("orphan snapshot still unsaved")
			continue
		}
		delete(g.orphans, roomID)
		g.log.Info().Str("room", roomID).Msg("orphan snapshot saved")
	}
	return len(g.orphans)
}

// Run retries parked snapshots until ctx is cancelled.
func (g *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.OrphanRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.Orphans() > 0 {
				g.RetryOrphans(ctx)
			}
		}
	}
}

// Shutdown stops accepting sessions, closes every room with a final save and
// makes one last attempt at parked snapshots.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(room *Room) {
			defer wg.Done()
			if err := room.shutdown(ctx); err != nil {
				g.log.Warn().Err(err).Str("room", room.id).Msg("room shutdown save failed")
			}
		}(room)
	}
	wg.Wait()

	if remaining := g.RetryOrphans(ctx); remaining > 0 {
		return fmt.Errorf("%d room snapshots could not be saved", remaining)
	}
	return nil
}
