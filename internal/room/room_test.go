package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"altar/api/internal/apperr"
	"altar/api/internal/document"
)

type saveCall struct {
	at   time.Time
	data []byte
	err  error
}

type fakeStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	loads     int
	loadDelay time.Duration
	saves     []saveCall
	SaveFn    func(attempt int) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}}
}

func (s *fakeStore) Load(_ context.Context, roomID string) ([]byte, error) {
	time.Sleep(s.loadDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	data, ok := s.data[roomID]
	if !ok {
		return nil, apperr.NotFound("snapshot %s", roomID)
	}
	return data, nil
}

func (s *fakeStore) Save(_ context.Context, roomID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.SaveFn != nil {
		err = s.SaveFn(len(s.saves))
	}
	s.saves = append(s.saves, saveCall{at: time.Now(), data: data, err: err})
	if err == nil {
		s.data[roomID] = data
	}
	return err
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) saveCalls() []saveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]saveCall(nil), s.saves...)
}

func (s *fakeStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *fakeStore) stored(roomID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[roomID]
}

type fakeTransport struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	reason    string
	blocked   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 256), closed: make(chan struct{})}
}

func (t *fakeTransport) Send(frame []byte) error {
	if t.blocked {
		<-t.closed
		return errors.New("closed")
	}
	select {
	case t.frames <- frame:
		return nil
	case <-t.closed:
		return errors.New("closed")
	}
}

func (t *fakeTransport) Close(reason string) {
	t.closeOnce.Do(func() {
		t.reason = reason
		close(t.closed)
	})
}

func (t *fakeTransport) next(tb testing.TB) ServerMessage {
	tb.Helper()
	select {
	case frame := <-t.frames:
		var msg ServerMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			tb.Fatalf("decode frame: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for frame")
	}
	return ServerMessage{}
}

func (t *fakeTransport) expectType(tb testing.TB, want string) ServerMessage {
	tb.Helper()
	msg := t.next(tb)
	if msg.Type != want {
		tb.Fatalf("frame type = %q (%+v), want %q", msg.Type, msg, want)
	}
	return msg
}

func testOptions() Options {
	return Options{
		SaveInterval: time.Hour,
		DrainRetries: 1,
		DrainBackoff: time.Millisecond,
		EmptyGrace:   time.Hour,
	}
}

func attach(t *testing.T, reg *Registry, roomID, sessionID string, readOnly bool) (*Room, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	room, err := reg.Attach(context.Background(), roomID, SessionInfo{ID: sessionID, UserID: "u-" + sessionID, ReadOnly: readOnly}, transport)
	if err != nil {
		t.Fatalf("attach %s: %v", sessionID, err)
	}
	transport.expectType(t, TypeConnect)
	return room, transport
}

func push(t *testing.T, room *Room, sessionID string, seq int64, ops ...document.Op) {
	t.Helper()
	if err := room.Receive(sessionID, ClientMessage{Type: TypePush, Seq: seq, Ops: ops}); err != nil {
		t.Fatalf("receive: %v", err)
	}
}

func putOp(id, value string) document.Op {
	return document.Op{ID: id, Put: json.RawMessage(value)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, room *Room) {
	t.Helper()
	select {
	case <-room.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("room was not evicted")
	}
}

func TestConcurrentAttachSharesOneActor(t *testing.T) {
	store := newFakeStore()
	store.loadDelay = 50 * time.Millisecond
	reg := NewRegistry(store, testOptions(), zerolog.Nop())

	const n = 25
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := reg.Attach(context.Background(), "fresh", SessionInfo{ID: fmt.Sprintf("s%d", i)}, newFakeTransport())
			if err != nil {
				t.Errorf("attach %d: %v", i, err)
				return
			}
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("session %d attached to a different room instance", i)
		}
	}
	if got := store.loadCount(); got != 1 {
		t.Fatalf("snapshot loaded %d times, want 1", got)
	}
	stats, err := rooms[0].Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sessions != n || stats.State != StateActive {
		t.Fatalf("stats = %+v", stats)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry holds %d rooms", reg.Len())
	}
}

func TestPushIsAckedAndBroadcast(t *testing.T) {
	reg := NewRegistry(newFakeStore(), testOptions(), zerolog.Nop())
	room, a := attach(t, reg, "r", "a", false)
	_, b := attach(t, reg, "r", "b", false)

	push(t, room, "a", 7, putOp("shape1", `{"x":1}`))

	ack := a.expectType(t, TypeAck)
	if ack.Seq != 7 || ack.Clock != 1 {
		t.Fatalf("ack = %+v", ack)
	}
	patch := b.expectType(t, TypePatch)
	if patch.Origin != "a" || patch.Clock != 1 || len(patch.Ops) != 1 || patch.Ops[0].ID != "shape1" {
		t.Fatalf("patch = %+v", patch)
	}
	select {
	case frame := <-a.frames:
		t.Fatalf("origin received its own patch: %s", frame)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSessionEditsApplyInOrder(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions(), zerolog.Nop())
	room, a := attach(t, reg, "r", "a", false)

	for i := 1; i <= 50; i++ {
		push(t, room, "a", int64(i), putOp("el", fmt.Sprintf(`%d`, i)))
	}
	for i := 1; i <= 50; i++ {
		if ack := a.expectType(t, TypeAck); ack.Seq != int64(i) || ack.Clock != int64(i) {
			t.Fatalf("ack %d = %+v", i, ack)
		}
	}

	room.Detach("a")
	waitDone(t, room)

	doc, err := document.Decode(store.stored("r"))
	if err != nil {
		t.Fatalf("decode saved snapshot: %v", err)
	}
	if got, _ := doc.Get("el"); string(got) != `50` {
		t.Fatalf("el = %s, want 50", got)
	}
}

func TestDebounceCoalescesSaves(t *testing.T) {
	store := newFakeStore()
	opts := testOptions()
	opts.SaveInterval = 100 * time.Millisecond
	reg := NewRegistry(store, opts, zerolog.Nop())
	room, _ := attach(t, reg, "r", "a", false)

	first := time.Now()
	for i := 0; i < 10; i++ {
		push(t, room, "a", int64(i+1), putOp(fmt.Sprintf("el%d", i), `true`))
	}

	waitFor(t, "debounced save", func() bool { return len(store.saveCalls()) >= 1 })
	time.Sleep(2 * opts.SaveInterval)

	saves := store.saveCalls()
	if len(saves) != 1 {
		t.Fatalf("got %d saves, want 1", len(saves))
	}
	if elapsed := saves[0].at.Sub(first); elapsed < opts.SaveInterval {
		t.Fatalf("save issued %v after first edit, want >= %v", elapsed, opts.SaveInterval)
	}
	doc, err := document.Decode(saves[0].data)
	if err != nil || doc.Len() != 10 {
		t.Fatalf("saved document len=%d err=%v", doc.Len(), err)
	}
}

func TestFailedSaveRetriedOnNextEdit(t *testing.T) {
	store := newFakeStore()
	store.SaveFn = func(attempt int) error {
		if attempt == 0 {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	opts := testOptions()
	opts.SaveInterval = 30 * time.Millisecond
	reg := NewRegistry(store, opts, zerolog.Nop())
	room, a := attach(t, reg, "r", "a", false)

	push(t, room, "a", 1, putOp("one", `1`))
	a.expectType(t, TypeAck)
	waitFor(t, "first save attempt", func() bool { return len(store.saveCalls()) == 1 })

	time.Sleep(4 * opts.SaveInterval)
	if got := len(store.saveCalls()); got != 1 {
		t.Fatalf("failed save retried without a new edit: %d attempts", got)
	}
	stats, _ := room.Stats(context.Background())
	if !stats.Dirty {
		t.Fatal("room should stay dirty after a failed save")
	}

	push(t, room, "a", 2, putOp("two", `2`))
	a.expectType(t, TypeAck)
	waitFor(t, "retried save", func() bool { return len(store.saveCalls()) == 2 })

	doc, err := document.Decode(store.stored("r"))
	if err != nil || doc.Len() != 2 {
		t.Fatalf("stored document len=%d err=%v", doc.Len(), err)
	}
}

func TestLastDetachSavesAndRoundTrips(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions(), zerolog.Nop())
	room, a := attach(t, reg, "r", "a", false)

	push(t, room, "a", 1, putOp("b", `{"nested":[1,2,3]}`), putOp("a", `"text"`))
	push(t, room, "a", 2, document.Op{ID: "b", Remove: true})
	a.expectType(t, TypeAck)
	a.expectType(t, TypeAck)

	room.Detach("a")
	waitDone(t, room)
	if room.State() != StateEvicted {
		t.Fatalf("state = %s", room.State())
	}
	if reg.Len() != 0 {
		t.Fatalf("registry still holds %d rooms", reg.Len())
	}
	saved := store.stored("r")
	if saved == nil {
		t.Fatal("final save missing")
	}

	transport := newFakeTransport()
	fresh, err := reg.Attach(context.Background(), "r", SessionInfo{ID: "c"}, transport)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if fresh == room {
		t.Fatal("evicted actor was reused")
	}
	connect := transport.expectType(t, TypeConnect)
	if !bytes.Equal(connect.Snapshot, saved) {
		t.Fatalf("reloaded state differs:\n%s\n%s", connect.Snapshot, saved)
	}
}

func TestDrainFailureParksOrphan(t *testing.T) {
	store := newFakeStore()
	failing := true
	var mu sync.Mutex
	store.SaveFn = func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	reg := NewRegistry(store, testOptions(), zerolog.Nop())

	room, a := attach(t, reg, "r", "a", false)
	push(t, room, "a", 1, putOp("keep", `"me"`))
	a.expectType(t, TypeAck)
	room.Detach("a")
	waitDone(t, room)

	if got := len(store.saveCalls()); got != 2 {
		t.Fatalf("final save attempts = %d, want 2", got)
	}
	if reg.Orphans() != 1 {
		t.Fatalf("orphans = %d", reg.Orphans())
	}

	fresh, _ := attach(t, reg, "r", "b", false)
	if reg.Orphans() != 0 {
		t.Fatal("orphan should be consumed by the new actor")
	}
	fresh.Detach("b")
	waitDone(t, fresh)
	if reg.Orphans() != 1 {
		t.Fatal("orphan should be parked again after another failed drain")
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	if remaining := reg.RetryOrphans(context.Background()); remaining != 0 {
		t.Fatalf("remaining orphans = %d", remaining)
	}
	doc, err := document.Decode(store.stored("r"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got, ok := doc.Get("keep"); !ok || string(got) != `"me"` {
		t.Fatalf("keep = %s", got)
	}
}

func TestReadOnlySessionCannotPush(t *testing.T) {
	reg := NewRegistry(newFakeStore(), testOptions(), zerolog.Nop())
	room, viewer := attach(t, reg, "r", "viewer", true)
	_, editor := attach(t, reg, "r", "editor", false)

	push(t, room, "viewer", 3, putOp("x", `1`))
	msg := viewer.expectType(t, TypeError)
	if msg.Seq != 3 {
		t.Fatalf("error frame = %+v", msg)
	}

	push(t, room, "editor", 1, putOp("x", `2`))
	editor.expectType(t, TypeAck)
	if patch := viewer.expectType(t, TypePatch); patch.Origin != "editor" {
		t.Fatalf("viewer patch = %+v", patch)
	}
	stats, _ := room.Stats(context.Background())
	if stats.Clock != 1 {
		t.Fatalf("clock = %d, want 1", stats.Clock)
	}
}

func TestInvalidPushRejected(t *testing.T) {
	reg := NewRegistry(newFakeStore(), testOptions(), zerolog.Nop())
	room, a := attach(t, reg, "r", "a", false)

	push(t, room, "a", 1, document.Op{ID: "x"})
	a.expectType(t, TypeError)

	if err := room.Receive("a", ClientMessage{Type: TypePush, Seq: 2, Clock: 99, Ops: []document.Op{putOp("x", `1`)}}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	a.expectType(t, TypeError)

	if err := room.Receive("a", ClientMessage{Type: TypePing}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	a.expectType(t, TypePong)
}

func TestUnknownSessionFramesAreDropped(t *testing.T) {
	reg := NewRegistry(newFakeStore(), testOptions(), zerolog.Nop())
	room, _ := attach(t, reg, "r", "a", false)

	push(t, room, "ghost", 1, putOp("x", `1`))
	stats, err := room.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Clock != 0 || stats.Dirty {
		t.Fatalf("ghost push changed the room: %+v", stats)
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	opts := testOptions()
	opts.SendQueue = 2
	reg := NewRegistry(newFakeStore(), opts, zerolog.Nop())
	room, a := attach(t, reg, "r", "a", false)

	slow := newFakeTransport()
	slow.blocked = true
	if _, err := reg.Attach(context.Background(), "r", SessionInfo{ID: "slow"}, slow); err != nil {
		t.Fatalf("attach slow: %v", err)
	}

	for i := 1; i <= 10; i++ {
		push(t, room, "a", int64(i), putOp("el", fmt.Sprintf(`%d`, i)))
		a.expectType(t, TypeAck)
	}

	select {
	case <-slow.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow session was not disconnected")
	}
	stats, _ := room.Stats(context.Background())
	if stats.Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", stats.Sessions)
	}
}

func TestShutdownFlushesPendingSave(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions(), zerolog.Nop())
	room, a := attach(t, reg, "r", "a", false)

	push(t, room, "a", 1, putOp("x", `1`))
	a.expectType(t, TypeAck)

	if err := reg.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	waitDone(t, room)
	if store.stored("r") == nil {
		t.Fatal("pending edit was not flushed on shutdown")
	}
	select {
	case <-a.closed:
	case <-time.After(time.Second):
		t.Fatal("session transport not closed on shutdown")
	}

	_, err := reg.Attach(context.Background(), "r", SessionInfo{ID: "late"}, newFakeTransport())
	if !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("attach after shutdown err = %v", err)
	}
}

func TestIdleRoomWithoutSessionsIsEvicted(t *testing.T) {
	store := newFakeStore()
	opts := testOptions()
	opts.EmptyGrace = 20 * time.Millisecond
	reg := NewRegistry(store, opts, zerolog.Nop())

	room, err := reg.lookup("lonely")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	waitDone(t, room)
	if reg.Len() != 0 {
		t.Fatal("idle room should leave the registry")
	}
}

func TestStatsHonoursContextOnFullMailbox(t *testing.T) {
	// No actor drains the mailbox, so the request can never be queued.
	r := &Room{mailbox: make(chan any), done: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := r.Stats(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stats err = %v, want deadline exceeded", err)
	}
	if waited := time.Since(started); waited > time.Second {
		t.Fatalf("stats waited %v past its deadline", waited)
	}
}
