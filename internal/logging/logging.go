// Package logging builds the application's slog logger. Every record passes
// through a handler that redacts secrets and fingerprints item identifiers
// before it reaches the output.
package logging

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

var (
	processNonce = randomNonce()

	// Matched as substrings of the lowercased attribute key.
	sensitiveKeyParts = []string{"passcode", "password", "secret", "token", "master_key", "auth_key", "plaintext"}

	fingerprintKeys = map[string]struct{}{
		"item_id": {},
		"uuid":    {},
	}
)

// New returns a text logger writing to w at level, with sanitizing applied.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(Wrap(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// ParseLevel maps a config string to a level. Unknown values yield
// slog.LevelInfo and an error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: invalid level %q", s)
	}
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Handler redacts sensitive attributes before delegating.
type Handler struct {
	next slog.Handler
}

// Wrap returns next wrapped in a sanitizing Handler.
func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if h, ok := next.(*Handler); ok {
		return h
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(Sanitize(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, Sanitize(a))
	}
	return &Handler{next: h.next.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// Sanitize returns a with sensitive values replaced. Groups are walked
// recursively. LogValuer values are resolved first so a type cannot smuggle
// secrets past the key check.
func Sanitize(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	key := strings.ToLower(strings.TrimSpace(a.Key))

	if isSensitive(key) {
		return slog.String(a.Key, redacted)
	}
	if _, ok := fingerprintKeys[key]; ok {
		return slog.String(a.Key+"_fp", Fingerprint(a.Value.String()))
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]any, 0, len(group))
		for _, g := range group {
			clean = append(clean, Sanitize(g))
		}
		return slog.Group(a.Key, clean...)
	}
	return a
}

// Fingerprint returns a short, per-process stable digest of an identifier.
func Fingerprint(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id + "|" + processNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func isSensitive(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
