// Package channels connects chat surfaces to the ingestion pipeline.
// An adapter translates platform updates into inbound messages, answers
// slash commands through the shared Commands handler and implements the
// outbound port replies travel back through.
package channels

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/notemill/notemill/internal/aggregator"
)

// Channel is one chat surface. Start must return once the surface is
// receiving updates; Stop must not return before it stopped.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Ingest receives every accepted non-command message from an adapter.
type Ingest func(ctx context.Context, msg aggregator.Message) error

// Allowed reports whether id passes the allowlist. An empty list allows
// everyone.
func Allowed(list []int64, id int64) bool {
	if len(list) == 0 {
		return true
	}
	for _, allowed := range list {
		if allowed == id {
			return true
		}
	}
	return false
}

// SplitMessage breaks text into chunks of at most max bytes for
// transports with hard message-size limits. A newline past the middle
// of a chunk is preferred over a hard cut; hard cuts land on rune
// boundaries.
func SplitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := max
		if idx := strings.LastIndexByte(text[:max], '\n'); idx > max/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Truncate shortens s for log lines.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
