package ingest

import (
	"context"
	"fmt"

	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/normalizer"
	"github.com/taskping/taskping/pkg/logger"
)

// Poller drains bot callback updates on a cron cadence and feeds button
// presses through the gateway. The offset survives between runs so every
// update is seen once per process lifetime; the gateway's dedupe guard
// covers restarts.
type Poller struct {
	bot     *channel.Telegram
	gateway *Gateway
	offset  int64
}

func NewPoller(bot *channel.Telegram, gateway *Gateway) *Poller {
	return &Poller{bot: bot, gateway: gateway}
}

func (p *Poller) Poll(ctx context.Context) error {
	log := logger.FromContext(ctx)
	updates, err := p.bot.Updates(ctx, p.offset)
	if err != nil {
		return fmt.Errorf("polling bot updates: %w", err)
	}
	for _, update := range updates {
		if update.UpdateID >= p.offset {
			p.offset = update.UpdateID + 1
		}
		cb := update.CallbackQuery
		if cb == nil {
			continue
		}
		token, actionID, ok := channel.DecodeCallback(cb.Data)
		if !ok {
			log.Debug("ignoring foreign callback payload", "data", cb.Data)
			continue
		}
		if _, err := p.gateway.Ingest(ctx, InboundEvent{
			Kind:     normalizer.KindButtonAction,
			Token:    token,
			ActionID: actionID,
			EventID:  fmt.Sprintf("tg-%d", update.UpdateID),
		}); err != nil {
			log.Error("button ingestion failed", "token", token, "error", err)
		}
		if err := p.bot.AnswerCallback(ctx, cb.ID); err != nil {
			log.Warn("failed to acknowledge callback", "error", err)
		}
	}
	return nil
}
