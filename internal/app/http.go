package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"altar/api/internal/auth"
)

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	log         zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigins []string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigins: corsOrigins, log: log.With().Str("component", "http").Logger()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead
	switch {
	case isRead && (r.URL.Path == "/health" || r.URL.Path == "/api/health"):
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case isRead && (r.URL.Path == "/ready" || r.URL.Path == "/api/ready"):
		s.handleReady(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/uploads":
		s.handleUpload(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/unfurl":
		s.handleUnfurl(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) == 2 && parts[0] == "connect" && r.Method == http.MethodGet:
		s.handleConnect(w, r, parts[1])
		return
	case len(parts) == 2 && parts[0] == "assets" && isRead:
		s.handleAsset(w, r, parts[1])
		return
	case len(parts) >= 2 && parts[0] == "api" && parts[1] == "altars":
		s.handleAltars(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Readiness(ctx)
	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

// handleConnect rejects with a plain HTTP status before upgrading.
func (s *HTTPServer) handleConnect(w http.ResponseWriter, r *http.Request, roomID string) {
	info, err := s.service.gateway.Authorize(r, roomID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.service.gateway.Serve(w, r, roomID, info)
}

// identify resolves the optional caller; a token that fails to verify is 401.
func (s *HTTPServer) identify(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	caller, err := s.service.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return nil, false
	}
	return caller, true
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	caller, ok := s.identify(w, r)
	if !ok {
		return nil, false
	}
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return nil, false
	}
	return caller, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	event := s.log.Debug()
	if status >= http.StatusInternalServerError {
		event = s.log.Error()
	}
	event.Err(err).Str("request_id", requestID(r)).Int("status", status).Msg("request failed")
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigins, r.Header.Get("Origin"))
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, allowed []string, origin string) {
	allowOrigin := ""
	for _, candidate := range allowed {
		if candidate == "*" {
			allowOrigin = "*"
			break
		}
		if origin != "" && candidate == origin {
			allowOrigin = origin
		}
	}
	if allowOrigin == "" {
		return
	}
	header.Set("Access-Control-Allow-Origin", allowOrigin)
	if allowOrigin != "*" {
		header.Add("Vary", "Origin")
	}
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, If-None-Match")
	header.Set("Access-Control-Allow-Methods", "GET,HEAD,POST,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}
