// Package telegram adapts the Telegram Bot API to the channel contract.
// Updates arrive over long polling; the same bot implements the outbound
// port replies travel through.
package telegram

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"

	"github.com/notemill/notemill/internal/channels"
	"github.com/notemill/notemill/internal/config"
	"github.com/notemill/notemill/internal/fault"
)

// Channel connects to Telegram over Bot API long polling.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	ingest  channels.Ingest
	cmds    *channels.Commands
	running atomic.Bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

var _ channels.Channel = (*Channel)(nil)

func New(cfg config.TelegramConfig, ingest channels.Ingest, cmds *channels.Commands) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fault.New(fault.Validation, "telegram: empty bot token")
	}
	if ingest == nil || cmds == nil {
		return nil, fault.New(fault.Validation, "telegram: nil ingest or command handler")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, "telegram: create bot", err)
	}
	return &Channel{bot: bot, cfg: cfg, ingest: ingest, cmds: cmds}, nil
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) IsRunning() bool { return c.running.Load() }

// Start begins long polling and returns once updates are flowing.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fault.Wrap(fault.Permanent, "telegram: start long polling", err)
	}
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	c.running.Store(true)
	slog.Info("telegram.connected", "username", c.bot.Username())

	go c.registerMenu(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram.updates_closed")
					return
				}
				if update.Message == nil {
					continue
				}
				c.handleMessage(pollCtx, update.Message)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before another instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.running.Store(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram.stop_timeout")
		}
	}
	slog.Info("telegram.stopped")
	return nil
}

func (c *Channel) registerMenu(ctx context.Context) {
	commands := []telego.BotCommand{
		{Command: "start", Description: "attach a knowledge base"},
		{Command: "mode", Description: "show or switch the processing mode"},
		{Command: "note", Description: "file incoming messages"},
		{Command: "ask", Description: "answer from the knowledge base"},
		{Command: "agent", Description: "full tool access"},
		{Command: "flush", Description: "process buffered messages now"},
		{Command: "status", Description: "mode and active knowledge base"},
		{Command: "help", Description: "list commands"},
	}
	for attempt := 1; attempt <= 3; attempt++ {
		err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
		if err == nil {
			slog.Debug("telegram.menu_synced")
			return
		}
		slog.Warn("telegram.menu_sync_failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 5 * time.Second):
		}
	}
}
