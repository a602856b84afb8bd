package filter

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilteredHandler(t *testing.T) {
	type record struct {
		level slog.Level
		realm string
		msg   string
	}
	tests := []struct {
		name     string
		filters  []string
		records  []record
		expected []string
		filtered []string
	}{
		{
			name:    "cache=WARN drops INFO records with realm=cache",
			filters: []string{"cache=WARN"},
			records: []record{
				{slog.LevelInfo, "cache", "cache info message"},
				{slog.LevelWarn, "cache", "cache warn message"},
				{slog.LevelError, "cache", "cache error message"},
				{slog.LevelInfo, "resolve", "resolve info message"},
			},
			expected: []string{"cache warn message", "cache error message", "resolve info message"},
			filtered: []string{"cache info message"},
		},
		{
			name:    "multiple filters",
			filters: []string{"cache=WARN", "graph=ERROR"},
			records: []record{
				{slog.LevelInfo, "cache", "cache info message"},
				{slog.LevelWarn, "cache", "cache warn message"},
				{slog.LevelInfo, "graph", "graph info message"},
				{slog.LevelWarn, "graph", "graph warn message"},
				{slog.LevelError, "graph", "graph error message"},
				{slog.LevelInfo, "resolve", "resolve info message"},
			},
			expected: []string{"cache warn message", "graph error message", "resolve info message"},
			filtered: []string{"cache info message", "graph info message", "graph warn message"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)
			var buf bytes.Buffer
			handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})

			filters, err := KeyFiltersFromStrings(tt.filters...)
			r.NoError(err)

			logger := slog.New(New(handler, LoggingKeyRealm, filters))
			for _, rec := range tt.records {
				logger.Log(context.Background(), rec.level, rec.msg, LoggingKeyRealm, rec.realm)
			}

			for _, want := range tt.expected {
				assert.Contains(t, buf.String(), want)
			}
			for _, dropped := range tt.filtered {
				assert.NotContains(t, buf.String(), dropped)
			}
		})
	}
}

func TestFilteredHandlerWithAttrs(t *testing.T) {
	r := require.New(t)
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	filters, err := KeyFiltersFromStrings("cache=WARN")
	r.NoError(err)

	// The realm is bound once via With; records logged through the derived
	// logger carry no realm attribute of their own.
	logger := slog.New(New(handler, LoggingKeyRealm, filters)).With(LoggingKeyRealm, "cache")
	logger.Log(context.Background(), slog.LevelInfo, "cache info message")
	logger.Log(context.Background(), slog.LevelWarn, "cache warn message")
	logger.Log(context.Background(), slog.LevelError, "cache error message")

	assert.NotContains(t, buf.String(), "cache info message")
	assert.Contains(t, buf.String(), "cache warn message")
	assert.Contains(t, buf.String(), "cache error message")
}

func TestKeyFiltersFromStrings_Invalid(t *testing.T) {
	_, err := KeyFiltersFromStrings("cache")
	require.ErrorContains(t, err, "invalid filter format")

	_, err = KeyFiltersFromStrings("cache=LOUD")
	require.ErrorContains(t, err, "invalid log level")
}
