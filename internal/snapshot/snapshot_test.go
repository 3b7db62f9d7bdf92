package snapshot

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"altar/api/internal/apperr"
	"altar/api/internal/blob"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = redisStore.Close() })

	gitStore, err := NewGitStore(t.TempDir())
	if err != nil {
		t.Fatalf("git store: %v", err)
	}

	return map[string]Store{
		"memory": NewMemoryStore(),
		"blob":   NewBlobStore(blob.NewMemoryBucket()),
		"redis":  redisStore,
		"git":    gitStore,
	}
}

func TestStoresRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Load(ctx, "unseen"); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("Load(unseen) err = %v, want not found", err)
			}

			first := []byte(`{"clock":1,"documents":{},"tombstones":{}}`)
			second := []byte(`{"clock":2,"documents":{"a":{"state":1,"lastChangedClock":2,"origin":"s"}},"tombstones":{}}`)
			if err := store.Save(ctx, "room1", first); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := store.Save(ctx, "room1", second); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := store.Load(ctx, "room1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !bytes.Equal(got, second) {
				t.Fatalf("Load() = %s, want %s", got, second)
			}
			if err := store.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	if Key("abc") != "room-abc.json" {
		t.Fatalf("Key() = %q", Key("abc"))
	}
}

func TestValidRoomID(t *testing.T) {
	for _, id := range []string{"", "../x", "a/b", `a\b`} {
		if err := ValidRoomID(id); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("ValidRoomID(%q) = %v", id, err)
		}
	}
	if err := ValidRoomID("kitchen42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGitStoreHistory(t *testing.T) {
	ctx := context.Background()
	store, err := NewGitStore(t.TempDir())
	if err != nil {
		t.Fatalf("git store: %v", err)
	}

	for _, payload := range []string{`{"clock":1}`, `{"clock":2}`, `{"clock":2}`, `{"clock":3}`} {
		if err := store.Save(ctx, "room1", []byte(payload)); err != nil {
			t.Fatalf("save %s: %v", payload, err)
		}
	}

	history, err := store.History(ctx, "room1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 revisions (unchanged save skipped), got %d", len(history))
	}

	oldest, err := store.At(ctx, "room1", history[len(history)-1].Hash)
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if string(oldest) != `{"clock":1}` {
		t.Fatalf("oldest revision = %s", oldest)
	}

	limited, err := store.History(ctx, "room1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited history = %v, %v", limited, err)
	}

	if _, err := store.History(ctx, "missing", 0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("history of unknown room err = %v", err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	if _, err := Open(Options{Backend: "memory"}); err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, err := Open(Options{Backend: "s3"}); err == nil {
		t.Fatal("s3 backend without bucket should fail")
	}
	if _, err := Open(Options{Backend: "tape"}); err == nil {
		t.Fatal("unknown backend should fail")
	}
	store, err := Open(Options{Backend: "git", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("git backend: %v", err)
	}
	if _, ok := store.(*GitStore); !ok {
		t.Fatalf("expected *GitStore, got %T", store)
	}
}
