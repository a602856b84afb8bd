// Package filter implements a slog.Handler wrapper that suppresses records
// below a per-realm minimum level. Subsystems tag their loggers with a
// "realm" attribute; the --log-filter flag maps realms to levels.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LoggingKeyRealm is the attribute key subsystem loggers use to identify
// themselves.
const LoggingKeyRealm = "realm"

type filter struct {
	handler slog.Handler
	filters map[string]slog.Level
	key     string
	// preset holds the key's value when it was bound via WithAttrs, so that
	// records logged through a pre-tagged logger are filtered without
	// scanning their attributes.
	preset string
}

// New wraps handler so that records carrying attribute key with a value in
// filters are dropped when their level is below the configured minimum.
// Records without the attribute pass through unchanged.
func New(handler slog.Handler, key string, filters map[string]slog.Level) slog.Handler {
	return &filter{
		handler: handler,
		filters: filters,
		key:     key,
	}
}

func (f *filter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.handler.Enabled(ctx, level)
}

func (f *filter) WithAttrs(attrs []slog.Attr) slog.Handler {
	preset := f.preset
	if preset == "" {
		for _, attr := range attrs {
			if attr.Key == f.key {
				preset = attr.Value.String()
				break
			}
		}
	}
	return &filter{
		handler: f.handler.WithAttrs(attrs),
		filters: f.filters,
		key:     f.key,
		preset:  preset,
	}
}

func (f *filter) WithGroup(name string) slog.Handler {
	return &filter{
		handler: f.handler.WithGroup(name),
		filters: f.filters,
		key:     f.key,
	}
}

func (f *filter) Handle(ctx context.Context, record slog.Record) error {
	if f.shouldFilter(record) {
		return nil
	}
	return f.handler.Handle(ctx, record)
}

func (f *filter) shouldFilter(record slog.Record) bool {
	keyValue := f.preset
	if keyValue == "" {
		keyValue = f.getValueFromRecord(record)
	}
	if keyValue == "" {
		return false
	}
	minLevel, exists := f.filters[keyValue]
	return exists && record.Level < minLevel
}

func (f *filter) getValueFromRecord(record slog.Record) string {
	var value string
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == f.key {
			value = attr.Value.String()
			return false
		}
		return true
	})
	return value
}

// KeyFiltersFromStrings parses "key=level" specifications, as passed on the
// command line, into a filter map.
func KeyFiltersFromStrings(raw ...string) (map[string]slog.Level, error) {
	filters := make(map[string]slog.Level, len(raw))
	for _, spec := range raw {
		key, levelStr, found := strings.Cut(spec, "=")
		if !found {
			return nil, fmt.Errorf("invalid filter format: %s, expected key=level", spec)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(levelStr)); err != nil {
			return nil, fmt.Errorf("invalid log level in filter %s: %w", spec, err)
		}
		filters[key] = level
	}
	return filters, nil
}
