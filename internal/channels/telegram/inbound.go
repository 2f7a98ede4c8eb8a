package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/notemill/notemill/internal/aggregator"
	"github.com/notemill/notemill/internal/channels"
)

// handleMessage filters one update and feeds it to the command handler
// or the pipeline. Only private chats are served; a group would mix
// several people into one personal knowledge base.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	user := msg.From
	if user == nil || user.IsBot {
		return
	}
	if msg.Chat.Type != "private" {
		slog.Debug("telegram.skipped", "reason", "non_private_chat", "chat", msg.Chat.ID)
		return
	}
	if !channels.Allowed(c.cfg.AllowedUserIDs, user.ID) {
		slog.Debug("telegram.skipped", "reason", "not_allowed", "user", user.ID)
		return
	}

	text := messageText(msg)
	if reply, handled := c.cmds.Handle(ctx, user.ID, text); handled {
		if reply != "" {
			if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(msg.Chat.ID), reply)); err != nil {
				slog.Warn("telegram.reply_failed", "user", user.ID, "error", err)
			}
		}
		return
	}

	in := inboundMessage(msg, text)
	if in.Text == "" && len(in.Attachments) == 0 {
		slog.Debug("telegram.skipped", "reason", "empty", "chat", msg.Chat.ID)
		return
	}

	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(msg.Chat.ID), telego.ChatActionTyping))

	if err := c.ingest(ctx, in); err != nil {
		slog.Warn("telegram.ingest_failed", "user", user.ID, "error", err)
		return
	}
	slog.Debug("telegram.message.accepted",
		"user", user.ID,
		"chat", msg.Chat.ID,
		"text", channels.Truncate(text, 64))
}

// messageText merges text and caption; media messages carry their text
// in the caption field.
func messageText(msg *telego.Message) string {
	text := msg.Text
	if msg.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Caption
	}
	return strings.TrimSpace(text)
}

// inboundMessage translates a Telegram update into the pipeline shape.
func inboundMessage(msg *telego.Message, text string) aggregator.Message {
	return aggregator.Message{
		MessageID:   strconv.Itoa(msg.MessageID),
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		UserID:      msg.From.ID,
		Source:      "telegram",
		Text:        text,
		ForwardFrom: forwardFrom(msg),
		Attachments: attachments(msg),
		Timestamp:   time.Unix(int64(msg.Date), 0).UTC(),
	}
}

func attachments(msg *telego.Message) []aggregator.Attachment {
	var atts []aggregator.Attachment
	if len(msg.Photo) > 0 {
		// The last size is the highest resolution.
		p := msg.Photo[len(msg.Photo)-1]
		atts = append(atts, aggregator.Attachment{ID: p.FileID, Kind: "photo", Hash: p.FileUniqueID})
	}
	if d := msg.Document; d != nil {
		atts = append(atts, aggregator.Attachment{ID: d.FileID, Kind: "document", Name: d.FileName, Hash: d.FileUniqueID})
	}
	if v := msg.Voice; v != nil {
		atts = append(atts, aggregator.Attachment{ID: v.FileID, Kind: "voice", Hash: v.FileUniqueID})
	}
	if a := msg.Audio; a != nil {
		atts = append(atts, aggregator.Attachment{ID: a.FileID, Kind: "audio", Name: a.FileName, Hash: a.FileUniqueID})
	}
	if v := msg.Video; v != nil {
		atts = append(atts, aggregator.Attachment{ID: v.FileID, Kind: "video", Name: v.FileName, Hash: v.FileUniqueID})
	}
	return atts
}

// forwardFrom names the origin of a forwarded message so the note keeps
// its provenance.
func forwardFrom(msg *telego.Message) string {
	switch o := msg.ForwardOrigin.(type) {
	case *telego.MessageOriginUser:
		return userName(&o.SenderUser)
	case *telego.MessageOriginHiddenUser:
		return o.SenderUserName
	case *telego.MessageOriginChat:
		return o.SenderChat.Title
	case *telego.MessageOriginChannel:
		return o.Chat.Title
	default:
		return ""
	}
}

func userName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
