package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/router"
	"github.com/notemill/notemill/internal/users"
)

const helpText = `Commands:
/start  attach a knowledge base
/mode   show or switch the processing mode
/note   file incoming messages (default)
/ask    answer questions from the knowledge base
/agent  let the agent act with full tool access
/flush  process buffered messages now
/status show mode and active knowledge base
/help   this message`

// Commands answers the slash commands shared by every channel. Attach
// provisions a knowledge base for a first-time user; when nil, /start
// only explains that setup is disabled.
type Commands struct {
	Users  *users.Contexts
	KBs    *kb.Registry
	Attach func(ctx context.Context, userID int64) (kb.Descriptor, error)
}

// Handle answers text when it is a slash command. The second return is
// false when text is not a command and should flow into the pipeline.
// A "@botname" suffix on the command is ignored.
func (c *Commands) Handle(ctx context.Context, userID int64, text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
	slog.Debug("channels.command", "user", userID, "command", cmd)

	switch cmd {
	case "/start":
		return c.start(ctx, userID), true
	case "/help":
		return helpText, true
	case "/mode":
		if len(fields) < 2 {
			return fmt.Sprintf("Current mode: %s. Switch with /note, /ask or /agent.", c.Users.Mode(userID)), true
		}
		return c.setMode(userID, fields[1]), true
	case "/note", "/ask", "/agent":
		return c.setMode(userID, strings.TrimPrefix(cmd, "/")), true
	case "/flush":
		return c.flush(ctx, userID), true
	case "/status":
		return c.status(userID), true
	default:
		return fmt.Sprintf("Unknown command %q. Send /help for the list.", cmd), true
	}
}

func (c *Commands) start(ctx context.Context, userID int64) string {
	if d, ok := c.KBs.Active(userID); ok {
		return fmt.Sprintf("Knowledge base %q is ready. Send notes, links or files and I will file them.", d.ID)
	}
	if c.Attach == nil {
		return "No knowledge base is attached and self-serve setup is disabled. Ask the operator to attach one."
	}
	d, err := c.Attach(ctx, userID)
	if err != nil {
		slog.Warn("channels.start.attach_failed", "user", userID, "error", err)
		return "Could not set up a knowledge base right now. Please try again later."
	}
	return fmt.Sprintf("Created knowledge base %q. Send notes, links or files and I will file them under topics/.", d.ID)
}

func (c *Commands) setMode(userID int64, arg string) string {
	m, err := router.ParseMode(arg)
	if err != nil {
		return fmt.Sprintf("Unknown mode %q. Use note, ask or agent.", arg)
	}
	c.Users.SetMode(userID, m)
	switch m {
	case router.ModeAsk:
		return "Ask mode: messages are answered from the knowledge base."
	case router.ModeAgent:
		return "Agent mode: messages drive the agent with full tool access."
	default:
		return "Note mode: messages are filed into the knowledge base."
	}
}

func (c *Commands) flush(ctx context.Context, userID int64) string {
	agg, err := c.Users.Aggregator(userID)
	if err != nil {
		slog.Warn("channels.flush_failed", "user", userID, "error", err)
		return "Could not flush pending messages."
	}
	if err := agg.Flush(ctx); err != nil {
		slog.Warn("channels.flush_failed", "user", userID, "error", err)
		return "Could not flush pending messages."
	}
	return "Flushed pending messages."
}

func (c *Commands) status(userID int64) string {
	kbLine := "none (send /start)"
	if d, ok := c.KBs.Active(userID); ok {
		kbLine = d.ID
		if d.GitEnabled {
			kbLine += " (git sync on)"
		}
	}
	return fmt.Sprintf("Mode: %s\nKnowledge base: %s", c.Users.Mode(userID), kbLine)
}
