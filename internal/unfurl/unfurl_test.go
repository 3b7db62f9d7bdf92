package unfurl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func servePage(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPriorityOrder(t *testing.T) {
	cases := []struct {
		name  string
		page  string
		title string
		desc  string
		image string
	}{
		{
			name: "open graph wins",
			page: `<html><head><title>Plain</title>
				<meta name="twitter:title" content="Tweet">
				<meta property="og:title" content="Graph &amp; Co">
				<meta name="description" content="generic">
				<meta property="og:description" content="social">
				<meta property="og:image" content="/img/cover.png">
				</head></html>`,
			title: "Graph & Co", desc: "social", image: "/img/cover.png",
		},
		{
			name: "twitter before generic",
			page: `<html><head><title>Plain</title>
				<meta name="twitter:title" content="Tweet">
				<meta name="twitter:description" content="tweet desc">
				<meta name="description" content="generic">
				<meta name="twitter:image" content="https://cdn.example.com/t.png">
				</head></html>`,
			title: "Tweet", desc: "tweet desc", image: "https://cdn.example.com/t.png",
		},
		{
			name:  "title and generic description",
			page:  `<html><head><title>  Just   a title </title><meta name="description" content="generic"></head></html>`,
			title: "Just a title", desc: "generic",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := servePage(t, tc.page)
			f := NewFetcher(Options{Timeout: time.Second}, nil, zerolog.Nop())
			got := f.Fetch(context.Background(), srv.URL+"/page")

			if got.URL != srv.URL+"/page" || got.Title != tc.title || got.Description != tc.desc {
				t.Fatalf("preview = %+v", got)
			}
			wantImage := tc.image
			if len(wantImage) > 0 && wantImage[0] == '/' {
				wantImage = srv.URL + wantImage
			}
			if got.Image != wantImage {
				t.Fatalf("image = %q, want %q", got.Image, wantImage)
			}
		})
	}
}

func TestFetchFallsBackToHostname(t *testing.T) {
	srv := servePage(t, `<html><body>no metadata</body></html>`)
	f := NewFetcher(Options{Timeout: time.Second}, nil, zerolog.Nop())
	got := f.Fetch(context.Background(), srv.URL)
	if got.Title != "127.0.0.1" {
		t.Fatalf("title = %q, want hostname", got.Title)
	}
}

func TestFetchUnreachableDegrades(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := NewFetcher(Options{Timeout: 500 * time.Millisecond}, nil, zerolog.Nop())
	got := f.Fetch(context.Background(), addr+"/gone")
	if got.URL != addr+"/gone" || got.Title != "127.0.0.1" || got.Description != "" {
		t.Fatalf("preview = %+v", got)
	}
}

func TestFetchRejectsBadURLs(t *testing.T) {
	f := NewFetcher(Options{}, nil, zerolog.Nop())
	cases := map[string]string{
		"ftp://files.example.com/x": "files.example.com",
		"javascript:alert(1)":       "",
		"not a url at all":          "",
		"%zz":                       "",
	}
	for raw, title := range cases {
		got := f.Fetch(context.Background(), raw)
		if got.URL != raw || got.Title != title {
			t.Fatalf("Fetch(%q) = %+v", raw, got)
		}
	}
}

func TestFetchErrorStatusDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	f := NewFetcher(Options{Timeout: time.Second}, nil, zerolog.Nop())
	if got := f.Fetch(context.Background(), srv.URL); got.Title != "127.0.0.1" {
		t.Fatalf("preview = %+v", got)
	}
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewFetcher(Options{Timeout: 50 * time.Millisecond}, nil, zerolog.Nop())
	start := time.Now()
	got := f.Fetch(context.Background(), srv.URL)
	if time.Since(start) > 2*time.Second || got.Title != "127.0.0.1" {
		t.Fatalf("preview = %+v after %v", got, time.Since(start))
	}
}

func TestRedisCacheServesRepeatFetches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<title>Cached</title>`))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCache(client, time.Minute, zerolog.Nop())
	f := NewFetcher(Options{Timeout: time.Second}, cache, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if got := f.Fetch(context.Background(), srv.URL); got.Title != "Cached" {
			t.Fatalf("fetch %d = %+v", i, got)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("origin hit %d times, want 1", hits.Load())
	}

	mr.FastForward(2 * time.Minute)
	f.Fetch(context.Background(), srv.URL)
	if hits.Load() != 2 {
		t.Fatalf("expired entry should refetch, hits = %d", hits.Load())
	}
}
