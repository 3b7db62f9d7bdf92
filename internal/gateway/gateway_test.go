package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"altar/api/internal/access"
	"altar/api/internal/apperr"
	"altar/api/internal/auth"
	"altar/api/internal/document"
	"altar/api/internal/room"
	"altar/api/internal/snapshot"
	"altar/api/internal/store"
)

var testSecret = []byte("gateway-test-secret")

type fixture struct {
	server    *httptest.Server
	meta      *store.MemoryStore
	snapshots *snapshot.MemoryStore
	registry  *room.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meta := store.NewMemoryStore()
	if err := meta.CreateAltar(context.Background(), store.Altar{
		ID: "alt_1", RoomID: "room1", Title: "Hall", OwnerID: "owner", CreatedAt: time.Now(),
	}, "mem_owner"); err != nil {
		t.Fatalf("create altar: %v", err)
	}

	snapshots := snapshot.NewMemoryStore()
	registry := room.NewRegistry(snapshots, room.Options{SaveInterval: 20 * time.Millisecond, EmptyGrace: time.Second}, zerolog.Nop())
	gw := New(auth.NewVerifier(testSecret, ""), access.NewResolver(meta), registry, Options{}, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roomID := strings.TrimPrefix(r.URL.Path, "/connect/")
		info, err := gw.Authorize(r, roomID)
		if err != nil {
			w.WriteHeader(statusFor(err))
			return
		}
		gw.Serve(w, r, roomID, info)
	}))
	t.Cleanup(func() {
		srv.Close()
		_ = registry.Shutdown(context.Background())
	})
	return &fixture{server: srv, meta: meta, snapshots: snapshots, registry: registry}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, "", auth.Identity{Subject: subject}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *fixture) dial(t *testing.T, roomID, tok string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/connect/" + roomID
	header := http.Header{}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) room.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg room.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func push(t *testing.T, conn *websocket.Conn, seq, clock int64, ops ...document.Op) {
	t.Helper()
	if err := conn.WriteJSON(room.ClientMessage{Type: room.TypePush, Seq: seq, Clock: clock, Ops: ops}); err != nil {
		t.Fatalf("write push: %v", err)
	}
}

func TestOwnerPushIsAcked(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "room1", token(t, "owner"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	hello := readFrame(t, conn)
	if hello.Type != room.TypeConnect || hello.ReadOnly || hello.SessionID == "" || hello.Clock != 0 {
		t.Fatalf("connect = %+v", hello)
	}

	push(t, conn, 1, 0, document.Op{ID: "card-1", Put: json.RawMessage(`{"x":1}`)})
	ack := readFrame(t, conn)
	if ack.Type != room.TypeAck || ack.Seq != 1 || ack.Clock != 1 {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestViewerReceivesPatchesButCannotPush(t *testing.T) {
	f := newFixture(t)
	if err := f.meta.InsertShare(context.Background(), store.PublicShare{
		ID: "shr_1", AltarID: "alt_1", Capability: "view", CreatedBy: "owner", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert share: %v", err)
	}

	editor, _, err := f.dial(t, "room1", token(t, "owner"))
	if err != nil {
		t.Fatalf("dial editor: %v", err)
	}
	readFrame(t, editor)

	viewer, _, err := f.dial(t, "room1", "")
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	if hello := readFrame(t, viewer); !hello.ReadOnly {
		t.Fatalf("anonymous share session should be read-only: %+v", hello)
	}

	push(t, editor, 1, 0, document.Op{ID: "card-1", Put: json.RawMessage(`"hi"`)})
	readFrame(t, editor)
	patch := readFrame(t, viewer)
	if patch.Type != room.TypePatch || patch.Clock != 1 || len(patch.Ops) != 1 || patch.Ops[0].ID != "card-1" {
		t.Fatalf("patch = %+v", patch)
	}

	push(t, viewer, 7, 1, document.Op{ID: "card-2", Put: json.RawMessage(`1`)})
	rejected := readFrame(t, viewer)
	if rejected.Type != room.TypeError || rejected.Seq != 7 {
		t.Fatalf("viewer push = %+v, want error", rejected)
	}
}

func TestRejectsBeforeUpgrade(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		roomID string
		token  string
		status int
	}{
		{"anonymous without share", "room1", "", http.StatusForbidden},
		{"stranger", "room1", token(t, "stranger"), http.StatusForbidden},
		{"bad token", "room1", "garbage", http.StatusUnauthorized},
		{"unknown room", "missing", token(t, "owner"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := f.dial(t, tc.roomID, tc.token)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("err = %v, want bad handshake", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
	if f.registry.Len() != 0 {
		t.Fatalf("rejected callers must not create rooms")
	}
}

func TestMalformedFrameGetsError(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "room1", token(t, "owner"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readFrame(t, conn); msg.Type != room.TypeError || msg.Message != "malformed message" {
		t.Fatalf("frame = %+v", msg)
	}

	if err := conn.WriteJSON(room.ClientMessage{Type: room.TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readFrame(t, conn); msg.Type != room.TypePong {
		t.Fatalf("frame = %+v, want pong", msg)
	}
}

func TestLastDisconnectPersistsRoom(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "room1", token(t, "owner"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, conn)
	push(t, conn, 1, 0, document.Op{ID: "card-1", Put: json.RawMessage(`true`)})
	readFrame(t, conn)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := f.snapshots.Load(context.Background(), "room1"); err == nil {
			doc, err := document.Decode(data)
			if err != nil {
				t.Fatalf("decode saved snapshot: %v", err)
			}
			if _, ok := doc.Get("card-1"); !ok || doc.Clock() != 1 {
				t.Fatalf("saved document missing the push")
			}
			if f.registry.Len() == 0 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room was not saved and evicted after the last session left")
}

func TestUpgraderOriginCheck(t *testing.T) {
	up := newUpgrader([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/connect/room1", nil)

	req.Header.Set("Origin", "https://app.example.com")
	if !up.CheckOrigin(req) {
		t.Fatalf("listed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if up.CheckOrigin(req) {
		t.Fatalf("unlisted origin accepted")
	}
	req.Header.Del("Origin")
	if !up.CheckOrigin(req) {
		t.Fatalf("non-browser clients carry no origin and must be accepted")
	}
}
