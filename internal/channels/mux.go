package channels

import (
	"context"
	"sync"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/outbound"
)

// Mux implements the outbound port over several channels. Chat ids are
// claimed by the channel the message came in on, so replies always go
// back out the same surface. With a single registered port every chat
// id resolves to it without a claim.
type Mux struct {
	mu     sync.RWMutex
	ports  map[string]outbound.Port
	owners map[string]string // chat id → channel name
}

var _ outbound.Port = (*Mux)(nil)

func NewMux() *Mux {
	return &Mux{
		ports:  make(map[string]outbound.Port),
		owners: make(map[string]string),
	}
}

// Add registers a channel's port under its name.
func (m *Mux) Add(name string, p outbound.Port) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports[name] = p
}

// Claim records that chatID belongs to the named channel. Adapters call
// this on every inbound message; re-claiming is cheap and idempotent.
func (m *Mux) Claim(name, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[chatID] = name
}

func (m *Mux) portFor(chatID string) (outbound.Port, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ports) == 1 {
		for _, p := range m.ports {
			return p, nil
		}
	}
	name, ok := m.owners[chatID]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "channels: no channel owns chat %q", chatID)
	}
	p, ok := m.ports[name]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "channels: channel %q not registered", name)
	}
	return p, nil
}

func (m *Mux) SendMessage(ctx context.Context, chatID, text string, opts outbound.Options) (outbound.Handle, error) {
	p, err := m.portFor(chatID)
	if err != nil {
		return outbound.Handle{}, err
	}
	return p.SendMessage(ctx, chatID, text, opts)
}

func (m *Mux) EditMessage(ctx context.Context, h outbound.Handle, text string, opts outbound.Options) error {
	p, err := m.portFor(h.ChatID)
	if err != nil {
		return err
	}
	return p.EditMessage(ctx, h, text, opts)
}

func (m *Mux) DeleteMessage(ctx context.Context, h outbound.Handle) error {
	p, err := m.portFor(h.ChatID)
	if err != nil {
		return err
	}
	return p.DeleteMessage(ctx, h)
}
