package router

import (
	"strings"

	"github.com/notemill/notemill/internal/fault"
)

// Mode selects how a closed message group is processed.
type Mode uint8

const (
	// ModeNote turns the group into a knowledge base note.
	ModeNote Mode = iota
	// ModeAsk answers from the knowledge base without writing to it.
	ModeAsk
	// ModeAgent hands the group to the agent with full tool privileges.
	ModeAgent
)

// String returns the command spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNote:
		return "note"
	case ModeAsk:
		return "ask"
	case ModeAgent:
		return "agent"
	}
	return "unknown"
}

// ParseMode reads a mode from config or a chat command.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "note":
		return ModeNote, nil
	case "ask":
		return ModeAsk, nil
	case "agent":
		return ModeAgent, nil
	}
	return ModeNote, fault.Newf(fault.Validation, "router: unknown mode %q", s)
}
