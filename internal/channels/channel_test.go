package channels

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/outbound"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name string
		list []int64
		id   int64
		want bool
	}{
		{name: "empty list allows everyone", list: nil, id: 7, want: true},
		{name: "listed id allowed", list: []int64{1, 2, 3}, id: 2, want: true},
		{name: "unlisted id rejected", list: []int64{1, 2, 3}, id: 4, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.list, tt.id); got != tt.want {
				t.Errorf("Allowed(%v, %d) = %v, want %v", tt.list, tt.id, got, tt.want)
			}
		})
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		max    int
		chunks int
	}{
		{name: "short text single chunk", text: "hello", max: 10, chunks: 1},
		{name: "exact fit single chunk", text: "0123456789", max: 10, chunks: 1},
		{name: "hard split", text: strings.Repeat("a", 25), max: 10, chunks: 3},
		{name: "zero max is passthrough", text: "anything", max: 0, chunks: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.max)
			if len(got) != tt.chunks {
				t.Fatalf("chunk count = %d, want %d (%q)", len(got), tt.chunks, got)
			}
			if strings.Join(got, "") != tt.text {
				t.Errorf("joined chunks differ from input")
			}
			if tt.max > 0 {
				for i, c := range got {
					if len(c) > tt.max {
						t.Errorf("chunk %d length %d exceeds max %d", i, len(c), tt.max)
					}
				}
			}
		})
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := "first line is long enough\nsecond"
	got := SplitMessage(text, 30)
	if len(got) != 2 {
		t.Fatalf("chunk count = %d, want 2 (%q)", len(got), got)
	}
	if !strings.HasSuffix(got[0], "\n") {
		t.Errorf("first chunk %q does not end at the newline", got[0])
	}
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("é", 20) // two bytes per rune
	for _, chunk := range SplitMessage(text, 7) {
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %q splits a rune", chunk)
		}
	}
}

type recordingPort struct {
	name  string
	sends []string
}

func (p *recordingPort) SendMessage(_ context.Context, chatID, text string, _ outbound.Options) (outbound.Handle, error) {
	p.sends = append(p.sends, text)
	return outbound.Handle{ChatID: chatID, MessageID: "1"}, nil
}

func (p *recordingPort) EditMessage(context.Context, outbound.Handle, string, outbound.Options) error {
	return nil
}

func (p *recordingPort) DeleteMessage(context.Context, outbound.Handle) error {
	return nil
}

func TestMuxRoutesByClaim(t *testing.T) {
	tg := &recordingPort{name: "telegram"}
	dc := &recordingPort{name: "discord"}
	m := NewMux()
	m.Add("telegram", tg)
	m.Add("discord", dc)
	m.Claim("telegram", "100")
	m.Claim("discord", "chan-200")

	ctx := context.Background()
	if _, err := m.SendMessage(ctx, "100", "to telegram", outbound.Options{}); err != nil {
		t.Fatalf("send to claimed telegram chat: %v", err)
	}
	if _, err := m.SendMessage(ctx, "chan-200", "to discord", outbound.Options{}); err != nil {
		t.Fatalf("send to claimed discord chat: %v", err)
	}
	if len(tg.sends) != 1 || tg.sends[0] != "to telegram" {
		t.Errorf("telegram sends = %v", tg.sends)
	}
	if len(dc.sends) != 1 || dc.sends[0] != "to discord" {
		t.Errorf("discord sends = %v", dc.sends)
	}
}

func TestMuxUnclaimedChat(t *testing.T) {
	m := NewMux()
	m.Add("telegram", &recordingPort{})
	m.Add("discord", &recordingPort{})

	_, err := m.SendMessage(context.Background(), "never-seen", "x", outbound.Options{})
	if fault.KindOf(err) != fault.NotFound {
		t.Errorf("unclaimed chat error kind = %v, want NotFound", fault.KindOf(err))
	}
}

func TestMuxSinglePortNeedsNoClaim(t *testing.T) {
	only := &recordingPort{}
	m := NewMux()
	m.Add("telegram", only)

	if _, err := m.SendMessage(context.Background(), "42", "hi", outbound.Options{}); err != nil {
		t.Fatalf("single-port send: %v", err)
	}
	if len(only.sends) != 1 {
		t.Errorf("sends = %v, want one", only.sends)
	}
}
