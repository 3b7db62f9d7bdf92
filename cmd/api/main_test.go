package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"altar/api/internal/auth"
	"altar/api/internal/config"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("ALTAR_JWT_SECRET", "cli-secret")
	t.Setenv("ALTAR_JWT_ISSUER", "altar-dev")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "alice", "--name", "Alice", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	identity, err := auth.NewVerifier([]byte("cli-secret"), "altar-dev").Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if identity.Subject != "alice" || identity.Name != "Alice" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestTokenCommandRequiresSubject(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error without a subject")
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(config.Config{LogLevel: "warn"}, &buf)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
	if got := newLogger(config.Config{LogLevel: "nonsense"}, &buf).GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("invalid level should fall back to info, got %v", got)
	}
}
