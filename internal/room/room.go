// Package room runs one actor goroutine per live room. The actor is the only
// mutator of the room's document; sessions, timers and savers talk to it
// through its mailbox.
package room

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"altar/api/internal/document"
	"altar/api/internal/snapshot"
)

type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateActive
	StateDraining
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateEvicted:
		return "evicted"
	default:
		return "uninitialized"
	}
}

// ErrRoomClosed is returned to callers that reach a room after it started
// draining. The registry waits for eviction and retries with a fresh actor.
var ErrRoomClosed = errors.New("room is closed")

type Stats struct {
	State    State
	Sessions int
	Clock    int64
	Dirty    bool
	Saving   bool
}

type attachRequest struct {
	info      SessionInfo
	transport Transport
	reply     chan error
}

type receiveRequest struct {
	sessionID string
	msg       ClientMessage
}

type detachRequest struct {
	sessionID string
}

type flushRequest struct{}

type idleRequest struct{}

type statsRequest struct {
	reply chan Stats
}

type shutdownRequest struct {
	reply chan error
}

type Room struct {
	id      string
	opts    Options
	store   snapshot.Store
	log     zerolog.Logger
	onEvict func(room *Room, unsaved []byte, err error)

	mailbox chan any
	saved   chan error
	done    chan struct{}
	state   atomic.Int32

	// Owned by run.
	doc      *document.Document
	sessions map[string]*session
	dirty    bool
	saving   bool
	timer    *time.Timer
	idle     *time.Timer
}

func newRoom(id string, doc *document.Document, dirty bool, store snapshot.Store, opts Options, log zerolog.Logger, onEvict func(*Room, []byte, error)) *Room {
	r := &Room{
		id:       id,
		opts:     opts,
		store:    store,
		log:      log.With().Str("room", id).Logger(),
		onEvict:  onEvict,
		mailbox:  make(chan any, opts.MailboxSize),
		saved:    make(chan error, 1),
		done:     make(chan struct{}),
		doc:      doc,
		sessions: map[string]*session{},
		dirty:    dirty,
	}
	r.state.Store(int32(StateLoading))
	return r
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) State() State {
	return State(r.state.Load())
}

// Done is closed once the room has been evicted.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Receive queues a client frame. Frames from one session are applied in the
// order they are received.
func (r *Room) Receive(sessionID string, msg ClientMessage) error {
	if !r.post(receiveRequest{sessionID: sessionID, msg: msg}) {
		return ErrRoomClosed
	}
	return nil
}

// Detach removes a session. Detaching an unknown session is a no-op.
func (r *Room) Detach(sessionID string) {
	r.post(detachRequest{sessionID: sessionID})
}

func (r *Room) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case r.mailbox <- statsRequest{reply: reply}:
	case <-r.done:
		return Stats{State: StateEvicted}, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-r.done:
		return Stats{State: StateEvicted}, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (r *Room) attach(ctx context.Context, info SessionInfo, transport Transport) error {
	reply := make(chan error, 1)
	req := attachRequest{info: info, transport: transport, reply: reply}
	select {
	case r.mailbox <- req:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrRoomClosed
		}
	}
}

// shutdown disconnects every session and runs the final save.
func (r *Room) shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.mailbox <- shutdownRequest{reply: reply}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	}
}

func (r *Room) post(msg any) bool {
	select {
	case r.mailbox <- msg:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) run() {
	defer close(r.done)

	r.idle = time.AfterFunc(r.opts.EmptyGrace, func() { r.post(idleRequest{}) })
	if r.dirty {
		r.armSave()
	}

	for {
		select {
		case msg := <-r.mailbox:
			if r.handle(msg) {
				return
			}
		case err := <-r.saved:
			r.saveFinished(err)
		}
	}
}

// handle processes one mailbox message and reports whether the room evicted
// itself.
func (r *Room) handle(msg any) bool {
	switch m := msg.(type) {
	case attachRequest:
		m.reply <- r.attachSession(m.info, m.transport)
	case receiveRequest:
		r.receive(m.sessionID, m.msg)
	case detachRequest:
		if s, ok := r.sessions[m.sessionID]; ok {
			r.removeSession(s, "detached")
		}
	case flushRequest:
		r.timer = nil
		r.startSave()
	case idleRequest:
		r.idle = nil
		if len(r.sessions) == 0 {
			r.drain()
			return true
		}
	case statsRequest:
		m.reply <- Stats{
			State:    r.State(),
			Sessions: len(r.sessions),
			Clock:    r.doc.Clock(),
			Dirty:    r.dirty,
			Saving:   r.saving,
		}
	case shutdownRequest:
		for _, s := range r.sessions {
			r.log.Debug().Str("session", s.ID).Msg("closing session for shutdown")
			delete(r.sessions, s.ID)
			s.close("server shutting down")
		}
		m.reply <- r.drain()
		return true
	}

	if r.State() == StateActive && len(r.sessions) == 0 {
		r.drain()
		return true
	}
	return false
}

func (r *Room) attachSession(info SessionInfo, transport Transport) error {
	snap, err := r.doc.Encode()
	if err != nil {
		return err
	}
	s := newSession(info, transport, r.opts.SendQueue)
	s.enqueue(encodeFrame(ServerMessage{
		Type:      TypeConnect,
		SessionID: s.ID,
		Clock:     r.doc.Clock(),
		ReadOnly:  s.ReadOnly,
		Snapshot:  snap,
	}))
	r.sessions[s.ID] = s
	go s.writeLoop(r.log, r.Detach)

	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	r.state.Store(int32(StateActive))
	r.log.Info().Str("session", s.ID).Str("user", s.UserID).Bool("read_only", s.ReadOnly).Int("sessions", len(r.sessions)).Msg("session attached")
	return nil
}

func (r *Room) removeSession(s *session, reason string) {
	delete(r.sessions, s.ID)
	s.close(reason)
	r.log.Info().Str("session", s.ID).Str("reason", reason).Dur("attached_for", time.Since(s.attachedAt)).Int("sessions", len(r.sessions)).Msg("session detached")
}

func (r *Room) receive(sessionID string, msg ClientMessage) {
	s, ok := r.sessions[sessionID]
	if !ok {
		r.log.Debug().Str("session", sessionID).Str("type", msg.Type).Msg("dropping frame from unknown session")
		return
	}
	switch msg.Type {
	case TypePing:
		r.sendTo(s, ServerMessage{Type: TypePong, Clock: r.doc.Clock()})
	case TypePush:
		r.applyPush(s, msg)
	case "":
		r.sendTo(s, ServerMessage{Type: TypeError, Clock: r.doc.Clock(), Message: "malformed message"})
	default:
		r.sendTo(s, ServerMessage{Type: TypeError, Seq: msg.Seq, Clock: r.doc.Clock(), Message: "unknown message type " + msg.Type})
	}
}

// applyPush stamps the push with the next room clock, so a session's pushes
// land in the order it sent them and always supersede what it had seen.
func (r *Room) applyPush(s *session, msg ClientMessage) {
	reject := func(reason string) {
		r.sendTo(s, ServerMessage{Type: TypeError, Seq: msg.Seq, Clock: r.doc.Clock(), Message: reason})
	}
	if s.ReadOnly {
		reject("session is read-only")
		return
	}
	if err := document.Validate(msg.Ops); err != nil {
		reject(err.Error())
		return
	}
	if msg.Clock > r.doc.Clock() {
		reject("clock is ahead of the room")
		return
	}

	clock := r.doc.Clock() + 1
	applied := r.doc.Apply(s.ID, clock, msg.Ops)
	r.sendTo(s, ServerMessage{Type: TypeAck, Seq: msg.Seq, Clock: clock})
	if len(applied) == 0 {
		return
	}

	patch := encodeFrame(ServerMessage{Type: TypePatch, Origin: s.ID, Clock: clock, Ops: applied})
	for id, other := range r.sessions {
		if id == s.ID {
			continue
		}
		if !other.enqueue(patch) {
			r.removeSession(other, "slow consumer")
		}
	}
	r.markDirty()
}

func (r *Room) sendTo(s *session, msg ServerMessage) {
	if !s.enqueue(encodeFrame(msg)) {
		r.removeSession(s, "slow consumer")
	}
}

func (r *Room) markDirty() {
	r.dirty = true
	r.armSave()
}

// armSave schedules a flush unless one is already pending or a save is in
// flight; saveFinished re-arms after an in-flight save.
func (r *Room) armSave() {
	if r.timer != nil || r.saving {
		return
	}
	r.timer = time.AfterFunc(r.opts.SaveInterval, func() { r.post(flushRequest{}) })
}

func (r *Room) startSave() {
	if !r.dirty || r.saving {
		return
	}
	data, err := r.doc.Encode()
	if err != nil {
		r.log.Error().Err(err).Msg("encode snapshot")
		return
	}
	r.dirty = false
	r.saving = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.SaveTimeout)
		defer cancel()
		r.saved <- r.store.Save(ctx, r.id, data)
	}()
}

// saveFinished leaves a failed save dirty without re-arming; the next edit
// schedules the retry.
func (r *Room) saveFinished(err error) {
	r.saving = false
	if err != nil {
		r.dirty = true
		r.log.Warn().Err(err).Msg("snapshot save failed; will retry on next edit")
		return
	}
	r.log.Debug().Int64("clock", r.doc.Clock()).Msg("snapshot saved")
	if r.dirty {
		r.armSave()
	}
}

// drain performs the final save and hands the room back to the registry.
func (r *Room) drain() error {
	r.state.Store(int32(StateDraining))
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	if r.saving {
		if err := <-r.saved; err != nil {
			r.log.Warn().Err(err).Msg("in-flight save failed during drain")
		}
		r.saving = false
	}

	data, err := r.doc.Encode()
	if err == nil {
		err = r.saveWithRetry(data)
	}
	if err != nil {
		r.log.Error().Err(err).Msg("final snapshot save failed")
	} else {
		r.log.Info().Int64("clock", r.doc.Clock()).Msg("room drained")
	}

	r.state.Store(int32(StateEvicted))
	if r.onEvict != nil {
		if err != nil {
			r.onEvict(r, data, err)
		} else {
			r.onEvict(r, nil, nil)
		}
	}
	return err
}

func (r *Room) saveWithRetry(data []byte) error {
	backoff := r.opts.DrainBackoff
	var err error
	for attempt := 0; attempt <= r.opts.DrainRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.SaveTimeout)
		err = r.store.Save(ctx, r.id, data)
		cancel()
		if err == nil {
			return nil
		}
		r.log.Warn().Err(err).Int("attempt", attempt+1).Msg("final save attempt failed")
	}
	return err
}
