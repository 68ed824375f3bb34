package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces secret values in redacted output.
const Placeholder = "***REDACTED***"

// secretSet is shared by a RedactFilter and every handler derived from it.
type secretSet struct {
	mu       sync.RWMutex
	values   map[string]bool
	replacer *strings.Replacer
}

func (s *secretSet) add(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[value] {
		return
	}
	s.values[value] = true
	pairs := make([]string, 0, 2*len(s.values))
	for v := range s.values {
		pairs = append(pairs, v, Placeholder)
	}
	s.replacer = strings.NewReplacer(pairs...)
}

func (s *secretSet) redact(v string) string {
	s.mu.RLock()
	r := s.replacer
	s.mu.RUnlock()
	if r == nil {
		return v
	}
	return r.Replace(v)
}

// RedactFilter wraps a slog handler and scrubs registered secret values,
// such as the agent API key that travels in process arguments, from log
// messages and attributes.
type RedactFilter struct {
	inner   slog.Handler
	secrets *secretSet
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		secrets: &secretSet{values: make(map[string]bool)},
	}
}

// AddSecret registers a value to be redacted from log output.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.secrets.add(value)
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle redacts the record's message and attributes before delegating.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, f.secrets.redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(f.redactAttr(a))
		return true
	})
	return f.inner.Handle(ctx, redacted)
}

// WithAttrs redacts attrs with the secrets known now and delegates.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = f.redactAttr(a)
	}
	return &RedactFilter{inner: f.inner.WithAttrs(clean), secrets: f.secrets}
}

// WithGroup delegates to the inner handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), secrets: f.secrets}
}

func (f *RedactFilter) redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, f.secrets.redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = f.redactAttr(g)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		switch val := v.Any().(type) {
		case []string:
			clean := make([]string, len(val))
			for i, s := range val {
				clean[i] = f.secrets.redact(s)
			}
			return slog.Any(a.Key, clean)
		case error:
			return slog.String(a.Key, f.secrets.redact(val.Error()))
		case fmt.Stringer:
			return slog.String(a.Key, f.secrets.redact(val.String()))
		}
	}
	return a
}

// RedactString replaces any known secret values in s with Placeholder.
func (f *RedactFilter) RedactString(s string) string {
	return f.secrets.redact(s)
}
