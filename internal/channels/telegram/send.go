package telegram

import (
	"context"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/notemill/notemill/internal/channels"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/outbound"
)

// Telegram rejects messages over 4096 characters.
const maxMessageLen = 4096

var _ outbound.Port = (*Channel)(nil)

// SendMessage delivers text, splitting it across messages when it
// exceeds the Telegram limit. The handle refers to the first chunk.
func (c *Channel) SendMessage(ctx context.Context, chatID, text string, opts outbound.Options) (outbound.Handle, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return outbound.Handle{}, fault.Newf(fault.Validation, "telegram: invalid chat id %q", chatID)
	}
	var handle outbound.Handle
	for i, chunk := range channels.SplitMessage(text, maxMessageLen) {
		params := tu.Message(tu.ID(id), chunk)
		params.ParseMode = opts.ParseMode
		params.DisableNotification = opts.Silent
		sent, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			return outbound.Handle{}, classify(ctx, "send", err)
		}
		if i == 0 {
			handle = outbound.Handle{ChatID: chatID, MessageID: strconv.Itoa(sent.MessageID)}
		}
	}
	return handle, nil
}

// EditMessage rewrites a sent message. Overflow past the Telegram limit
// goes out as follow-up messages.
func (c *Channel) EditMessage(ctx context.Context, h outbound.Handle, text string, opts outbound.Options) error {
	id, err := strconv.ParseInt(h.ChatID, 10, 64)
	if err != nil {
		return fault.Newf(fault.Validation, "telegram: invalid chat id %q", h.ChatID)
	}
	mid, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return fault.Newf(fault.Validation, "telegram: invalid message id %q", h.MessageID)
	}
	chunks := channels.SplitMessage(text, maxMessageLen)
	if _, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: mid,
		Text:      chunks[0],
		ParseMode: opts.ParseMode,
	}); err != nil {
		if cerr := classify(ctx, "edit", err); cerr != nil {
			return cerr
		}
	}
	for _, chunk := range chunks[1:] {
		params := tu.Message(tu.ID(id), chunk)
		params.ParseMode = opts.ParseMode
		params.DisableNotification = opts.Silent
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return classify(ctx, "send", err)
		}
	}
	return nil
}

// DeleteMessage removes a previously sent message.
func (c *Channel) DeleteMessage(ctx context.Context, h outbound.Handle) error {
	id, err := strconv.ParseInt(h.ChatID, 10, 64)
	if err != nil {
		return fault.Newf(fault.Validation, "telegram: invalid chat id %q", h.ChatID)
	}
	mid, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return fault.Newf(fault.Validation, "telegram: invalid message id %q", h.MessageID)
	}
	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(id),
		MessageID: mid,
	}); err != nil {
		return classify(ctx, "delete", err)
	}
	return nil
}

// classify maps Bot API failures onto fault kinds so the outbound
// adapter retries only what Telegram considers transient. telego does
// not export a stable error type, so this goes by the response text.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fault.Wrap(fault.Cancelled, "telegram: "+op+" cancelled", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "retry after"):
		return fault.Wrap(fault.Transient, "telegram: rate limited", err)
	case strings.Contains(msg, "message is not modified"):
		// Editing to identical text is a no-op, not a failure.
		return nil
	case strings.Contains(msg, "message to edit not found") || strings.Contains(msg, "message to delete not found"):
		return fault.Wrap(fault.NotFound, "telegram: "+op+" target missing", err)
	case strings.Contains(msg, "Bad Request") || strings.Contains(msg, "Forbidden") || strings.Contains(msg, "Unauthorized"):
		return fault.Wrap(fault.Permanent, "telegram: "+op+" rejected", err)
	default:
		return fault.Wrap(fault.Transient, "telegram: "+op+" failed", err)
	}
}
