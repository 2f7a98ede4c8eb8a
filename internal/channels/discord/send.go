package discord

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/notemill/notemill/internal/channels"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/outbound"
)

// Discord rejects messages over 2000 characters.
const maxMessageLen = 2000

var _ outbound.Port = (*Channel)(nil)

// SendMessage delivers text, splitting it across messages when it
// exceeds the Discord limit. The handle refers to the first chunk.
func (c *Channel) SendMessage(ctx context.Context, chatID, text string, _ outbound.Options) (outbound.Handle, error) {
	var handle outbound.Handle
	for i, chunk := range channels.SplitMessage(text, maxMessageLen) {
		sent, err := c.session.ChannelMessageSend(chatID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return outbound.Handle{}, classify(ctx, "send", err)
		}
		if i == 0 {
			handle = outbound.Handle{ChatID: chatID, MessageID: sent.ID}
		}
	}
	return handle, nil
}

// EditMessage rewrites a sent message. Overflow past the Discord limit
// goes out as follow-up messages.
func (c *Channel) EditMessage(ctx context.Context, h outbound.Handle, text string, _ outbound.Options) error {
	chunks := channels.SplitMessage(text, maxMessageLen)
	if _, err := c.session.ChannelMessageEdit(h.ChatID, h.MessageID, chunks[0], discordgo.WithContext(ctx)); err != nil {
		return classify(ctx, "edit", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := c.session.ChannelMessageSend(h.ChatID, chunk, discordgo.WithContext(ctx)); err != nil {
			return classify(ctx, "send", err)
		}
	}
	return nil
}

// DeleteMessage removes a previously sent message.
func (c *Channel) DeleteMessage(ctx context.Context, h outbound.Handle) error {
	if err := c.session.ChannelMessageDelete(h.ChatID, h.MessageID, discordgo.WithContext(ctx)); err != nil {
		return classify(ctx, "delete", err)
	}
	return nil
}

// classify maps REST failures onto fault kinds so the outbound adapter
// retries only what Discord considers transient.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fault.Wrap(fault.Cancelled, "discord: "+op+" cancelled", err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch code := rest.Response.StatusCode; {
		case code == http.StatusNotFound:
			return fault.Wrap(fault.NotFound, "discord: "+op+" target missing", err)
		case code == http.StatusTooManyRequests || code >= 500:
			return fault.Wrap(fault.Transient, "discord: "+op+" throttled", err)
		default:
			return fault.Wrap(fault.Permanent, "discord: "+op+" rejected", err)
		}
	}
	return fault.Wrap(fault.Transient, "discord: "+op+" failed", err)
}
