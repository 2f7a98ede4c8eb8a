// Package discord adapts the Discord gateway to the channel contract.
// Only direct messages are served; the bot session doubles as the
// outbound port for replies.
package discord

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/notemill/notemill/internal/aggregator"
	"github.com/notemill/notemill/internal/channels"
	"github.com/notemill/notemill/internal/config"
	"github.com/notemill/notemill/internal/fault"
)

// Channel connects to Discord over the gateway websocket.
type Channel struct {
	session *discordgo.Session
	cfg     config.DiscordConfig
	ingest  channels.Ingest
	cmds    *channels.Commands
	running atomic.Bool

	botUserID string
	removeFn  func()
}

var _ channels.Channel = (*Channel)(nil)

func New(cfg config.DiscordConfig, ingest channels.Ingest, cmds *channels.Commands) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fault.New(fault.Validation, "discord: empty bot token")
	}
	if ingest == nil || cmds == nil {
		return nil, fault.New(fault.Validation, "discord: nil ingest or command handler")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, "discord: create session", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return &Channel{session: session, cfg: cfg, ingest: ingest, cmds: cmds}, nil
}

func (c *Channel) Name() string { return "discord" }

func (c *Channel) IsRunning() bool { return c.running.Load() }

// Start opens the gateway session and begins receiving message events.
func (c *Channel) Start(ctx context.Context) error {
	c.removeFn = c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})
	if err := c.session.Open(); err != nil {
		return fault.Wrap(fault.Permanent, "discord: open session", err)
	}
	me, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fault.Wrap(fault.Permanent, "discord: fetch bot identity", err)
	}
	c.botUserID = me.ID
	c.running.Store(true)
	slog.Info("discord.connected", "username", me.Username, "id", me.ID)
	return nil
}

// Stop closes the gateway session.
func (c *Channel) Stop(_ context.Context) error {
	c.running.Store(false)
	if c.removeFn != nil {
		c.removeFn()
	}
	if err := c.session.Close(); err != nil {
		return fault.Wrap(fault.Transient, "discord: close session", err)
	}
	slog.Info("discord.stopped")
	return nil
}

// handleMessage filters one event and feeds it to the command handler
// or the pipeline. Guild messages are ignored: a server channel would
// mix several people into one personal knowledge base.
func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}
	if m.GuildID != "" {
		slog.Debug("discord.skipped", "reason", "guild_message", "channel", m.ChannelID)
		return
	}
	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		slog.Warn("discord.skipped", "reason", "bad_user_id", "user", m.Author.ID)
		return
	}
	if !channels.Allowed(c.cfg.AllowedUserIDs, userID) {
		slog.Debug("discord.skipped", "reason", "not_allowed", "user", userID)
		return
	}

	text := strings.TrimSpace(m.Content)
	if reply, handled := c.cmds.Handle(ctx, userID, normalizeCommand(text)); handled {
		if reply != "" {
			if _, err := c.session.ChannelMessageSend(m.ChannelID, reply, discordgo.WithContext(ctx)); err != nil {
				slog.Warn("discord.reply_failed", "user", userID, "error", err)
			}
		}
		return
	}

	in := inboundMessage(m, userID, text)
	if in.Text == "" && len(in.Attachments) == 0 {
		slog.Debug("discord.skipped", "reason", "empty", "channel", m.ChannelID)
		return
	}

	_ = c.session.ChannelTyping(m.ChannelID, discordgo.WithContext(ctx))

	if err := c.ingest(ctx, in); err != nil {
		slog.Warn("discord.ingest_failed", "user", userID, "error", err)
		return
	}
	slog.Debug("discord.message.accepted",
		"user", userID,
		"channel", m.ChannelID,
		"text", channels.Truncate(text, 64))
}

// normalizeCommand maps Discord's "!command" convention onto the shared
// slash-command handler. Plain "/command" passes through unchanged.
func normalizeCommand(text string) string {
	if strings.HasPrefix(text, "!") {
		return "/" + text[1:]
	}
	return text
}

// inboundMessage translates a Discord event into the pipeline shape.
func inboundMessage(m *discordgo.MessageCreate, userID int64, text string) aggregator.Message {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return aggregator.Message{
		MessageID:   m.ID,
		ChatID:      m.ChannelID,
		UserID:      userID,
		Source:      "discord",
		Text:        text,
		ForwardFrom: forwardFrom(m),
		Attachments: attachments(m),
		Timestamp:   ts.UTC(),
	}
}

func attachments(m *discordgo.MessageCreate) []aggregator.Attachment {
	var atts []aggregator.Attachment
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		atts = append(atts, aggregator.Attachment{
			ID:   a.ID,
			Kind: attachmentKind(a.ContentType),
			Name: a.Filename,
			// Discord exposes no content digest; the id is stable per
			// upload and serves as the dedup key.
			Hash: a.ID,
		})
	}
	return atts
}

func attachmentKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "photo"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "document"
	}
}

// forwardFrom names the author of a referenced message so the note
// keeps its provenance.
func forwardFrom(m *discordgo.MessageCreate) string {
	ref := m.ReferencedMessage
	if ref == nil || ref.Author == nil {
		return ""
	}
	if ref.Author.GlobalName != "" {
		return ref.Author.GlobalName
	}
	return ref.Author.Username
}
