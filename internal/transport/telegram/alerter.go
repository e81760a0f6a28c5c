// Package telegram sends a chat alert when a context's usage crosses the
// warning or critical threshold of its plan.
package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/limits"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// sender is the consumer interface over *tgbotapi.BotAPI.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Alerter remembers the last level of each context and alerts once per rise.
type Alerter struct {
	bot    sender
	chatID int64
	limit  limits.Limit
	logger *zap.Logger

	mu     sync.Mutex
	levels map[string]limits.Level
}

// NewBot connects to the Telegram Bot API.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

// NewAlerter creates an alerter posting to chatID.
func NewAlerter(bot sender, chatID int64, limit limits.Limit, logger *zap.Logger) *Alerter {
	return &Alerter{
		bot:    bot,
		chatID: chatID,
		limit:  limit,
		logger: logger,
		levels: make(map[string]limits.Level),
	}
}

// Observe checks ev against the plan limit and alerts when the level of
// contextID rose to warning or critical. Send failures are returned.
func (a *Alerter) Observe(_ context.Context, contextID string, ev snapshot.Event) error {
	total := ev.Data.Total()
	level := a.limit.Level(total)

	a.mu.Lock()
	prev, seen := a.levels[contextID]
	a.levels[contextID] = level
	a.mu.Unlock()

	if !seen {
		prev = limits.LevelOK
	}
	if level.Severity() <= prev.Severity() {
		return nil
	}

	text := fmt.Sprintf("%s context %q at %.1f%% of %s (%d / %d tokens, %s)",
		label(level), contextID, a.limit.Percent(total), a.limit.Tier(),
		total, a.limit.MaxTokens(), ev.Source)
	if _, err := a.bot.Send(tgbotapi.NewMessage(a.chatID, text)); err != nil {
		return fmt.Errorf("telegram alert: %w", err)
	}
	a.logger.Info("Usage alert sent",
		zap.String("context", contextID),
		zap.String("level", string(level)),
		zap.Int("total_tokens", total),
	)
	return nil
}

// Forget drops the remembered level of contextID.
func (a *Alerter) Forget(contextID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.levels, contextID)
}

func label(level limits.Level) string {
	if level == limits.LevelCritical {
		return "CRITICAL:"
	}
	return "Warning:"
}
