// Package gateway upgrades authorized HTTP requests to websocket sessions and
// pumps frames between the socket and the room actor.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"altar/api/internal/access"
	"altar/api/internal/apperr"
	"altar/api/internal/auth"
	"altar/api/internal/room"
	"altar/api/internal/snapshot"
)

type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PongWait        time.Duration
	// PingPeriod must be shorter than PongWait.
	PingPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	return o
}

type Resolver interface {
	Resolve(ctx context.Context, caller *auth.Identity, roomID string) (access.Decision, error)
}

type Gateway struct {
	verifier *auth.Verifier
	resolver Resolver
	rooms    *room.Registry
	upgrader websocket.Upgrader
	opts     Options
	log      zerolog.Logger
}

func New(verifier *auth.Verifier, resolver Resolver, rooms *room.Registry, opts Options, log zerolog.Logger) *Gateway {
	opts = opts.withDefaults()
	return &Gateway{
		verifier: verifier,
		resolver: resolver,
		rooms:    rooms,
		upgrader: newUpgrader(opts.AllowedOrigins),
		opts:     opts,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

// Authorize resolves the caller's access to roomID before any upgrade, so a
// rejected caller gets a plain HTTP error.
func (g *Gateway) Authorize(r *http.Request, roomID string) (room.SessionInfo, error) {
	if err := snapshot.ValidRoomID(roomID); err != nil {
		return room.SessionInfo{}, err
	}
	caller, err := g.verifier.FromRequest(r)
	if err != nil {
		return room.SessionInfo{}, err
	}
	decision, err := g.resolver.Resolve(r.Context(), caller, roomID)
	if err != nil {
		return room.SessionInfo{}, err
	}

	info := room.SessionInfo{ID: uuid.NewString(), ReadOnly: !decision.CanEdit()}
	if caller != nil {
		info.UserID = caller.Subject
	}
	return info, nil
}

// Serve upgrades the request and blocks until the session ends.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, roomID string, info room.SessionInfo) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		g.log.Debug().Err(err).Str("room", roomID).Msg("websocket upgrade failed")
		return
	}
	log := g.log.With().Str("room", roomID).Str("session", info.ID).Logger()
	transport := newTransport(conn, g.opts.WriteTimeout)

	rm, err := g.rooms.Attach(r.Context(), roomID, info, transport)
	if err != nil {
		log.Warn().Err(err).Msg("attach failed")
		code := websocket.CloseInternalServerErr
		if errors.Is(err, apperr.ErrTransient) {
			code = websocket.CloseTryAgainLater
		}
		transport.closeWith(code, "room unavailable")
		return
	}

	stop := make(chan struct{})
	go g.keepAlive(conn, stop)
	g.readLoop(conn, rm, info.ID, log)
	close(stop)
	rm.Detach(info.ID)
	transport.Close("client disconnected")
}

func (g *Gateway) readLoop(conn *websocket.Conn, rm *room.Room, sessionID string, log zerolog.Logger) {
	conn.SetReadLimit(g.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))

		var msg room.ClientMessage
		if kind != websocket.TextMessage || json.Unmarshal(data, &msg) != nil || msg.Type == "" {
			// An empty type is reported back to the session as malformed.
			msg = room.ClientMessage{}
		}
		if err := rm.Receive(sessionID, msg); err != nil {
			return
		}
	}
}

// keepAlive pings the peer; WriteControl is safe alongside the writer.
func (g *Gateway) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(g.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
