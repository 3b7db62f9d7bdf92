package app

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"altar/api/internal/access"
	"altar/api/internal/altars"
	"altar/api/internal/assets"
	"altar/api/internal/auth"
	"altar/api/internal/blob"
	"altar/api/internal/config"
	"altar/api/internal/gateway"
	"altar/api/internal/room"
	"altar/api/internal/snapshot"
	"altar/api/internal/unfurl"
)

const defaultHistoryLimit = 50

// Store is the metadata store the HTTP surface runs on.
type Store interface {
	altars.Store
	Ping(ctx context.Context) error
}

// HistoryStore is implemented by snapshot backends that keep old revisions.
type HistoryStore interface {
	History(ctx context.Context, roomID string, limit int) ([]snapshot.Revision, error)
	At(ctx context.Context, roomID, hash string) ([]byte, error)
}

type Deps struct {
	Config    config.Config
	Store     Store
	Snapshots snapshot.Store
	Rooms     *room.Registry
	Bucket    blob.Bucket
	Unfurl    *unfurl.Fetcher
	Log       zerolog.Logger
}

// Service wires the domain packages together for the HTTP server.
type Service struct {
	cfg       config.Config
	store     Store
	snapshots snapshot.Store
	history   HistoryStore
	rooms     *room.Registry
	verifier  *auth.Verifier
	resolver  *access.Resolver
	altars    *altars.Service
	assets    *assets.Service
	unfurl    *unfurl.Fetcher
	gateway   *gateway.Gateway
	log       zerolog.Logger
}

func New(deps Deps) *Service {
	resolver := access.NewResolver(deps.Store)
	verifier := auth.NewVerifier([]byte(deps.Config.JWTSecret), deps.Config.JWTIssuer)
	history, _ := deps.Snapshots.(HistoryStore)
	return &Service{
		cfg:       deps.Config,
		store:     deps.Store,
		snapshots: deps.Snapshots,
		history:   history,
		rooms:     deps.Rooms,
		verifier:  verifier,
		resolver:  resolver,
		altars:    altars.NewService(deps.Store, resolver, deps.Log),
		assets:    assets.NewService(deps.Bucket, deps.Config.MaxAssetBytes, deps.Log),
		unfurl:    deps.Unfurl,
		gateway: gateway.New(verifier, resolver, deps.Rooms, gateway.Options{
			AllowedOrigins: deps.Config.CORSOrigins,
		}, deps.Log),
		log: deps.Log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness pings every backing store and reports each result.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}
	check := func(name string, err error) {
		if err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	check("database", s.store.Ping(ctx))
	check("snapshots", s.snapshots.Ping(ctx))
	return ready, checks
}

// Identify returns the caller for r, nil when anonymous.
func (s *Service) Identify(r *http.Request) (*auth.Identity, error) {
	return s.verifier.FromRequest(r)
}

type PresenceView struct {
	RoomID   string `json:"roomId"`
	Live     bool   `json:"live"`
	State    string `json:"state"`
	Sessions int    `json:"sessions"`
	Clock    int64  `json:"clock"`
	Dirty    bool   `json:"dirty"`
}

// Presence reports the live room state for callers with any access to it.
func (s *Service) Presence(ctx context.Context, caller *auth.Identity, roomID string) (PresenceView, error) {
	if _, err := s.resolver.Resolve(ctx, caller, roomID); err != nil {
		return PresenceView{}, err
	}
	view := PresenceView{RoomID: roomID, State: room.StateEvicted.String()}
	live, ok := s.rooms.Get(roomID)
	if !ok {
		return view, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stats, err := live.Stats(ctx)
	if err != nil {
		return PresenceView{}, err
	}
	view.Live = stats.State != room.StateEvicted
	view.State = stats.State.String()
	view.Sessions = stats.Sessions
	view.Clock = stats.Clock
	view.Dirty = stats.Dirty
	return view, nil
}

func (s *Service) History(ctx context.Context, caller *auth.Identity, roomID string, limit int) ([]snapshot.Revision, error) {
	if s.history == nil {
		return nil, historyUnavailable()
	}
	if _, err := s.resolver.Resolve(ctx, caller, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	return s.history.History(ctx, roomID, limit)
}

func (s *Service) Revision(ctx context.Context, caller *auth.Identity, roomID, hash string) ([]byte, error) {
	if s.history == nil {
		return nil, historyUnavailable()
	}
	if _, err := s.resolver.Resolve(ctx, caller, roomID); err != nil {
		return nil, err
	}
	return s.history.At(ctx, roomID, hash)
}

func historyUnavailable() error {
	return domainError(http.StatusNotImplemented, "HISTORY_UNAVAILABLE", "Snapshot backend does not keep history", nil)
}
