// Package notification provides push notifiers for engine events. Notifiers
// are send-only: operator commands travel through the executor command queue,
// never back through a notification channel.
package notification

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/velabot/vela/pkg/core"
)

// TelegramParams contains all parameters needed to initialize a Telegram
// notifier.
type TelegramParams struct {
	Token string
	Users []int64 // chat ids that receive every push
}

// telegram implements core.Notifier over the Telegram bot API.
type telegram struct {
	client *tb.Bot
	users  []int64
}

// NewTelegram creates a Telegram notifier that fans every event out to the
// configured users. The client never polls for updates: it only sends.
func NewTelegram(params TelegramParams) (core.Notifier, error) {
	if params.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if len(params.Users) == 0 {
		return nil, errors.New("telegram needs at least one user to notify")
	}

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     params.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &telegram{client: client, users: params.Users}, nil
}

// Notify sends a message to all configured users.
func (t *telegram) Notify(text string) {
	for _, user := range t.users {
		_, err := t.client.Send(&tb.User{ID: user}, text)
		if err != nil {
			log.WithError(err).Error("failed to send notification")
		}
	}
}

// OnTrade notifies users about a booked trade.
func (t *telegram) OnTrade(trade core.Trade) {
	t.Notify(fmt.Sprintf("%s\n-----\n%s", tradeTitle(trade), tradeBody(trade)))
}

// OnError notifies users about engine errors.
func (t *telegram) OnError(err error) {
	t.Notify(formatError(err))
}

// tradeTitle renders the headline of a trade push: side, pair and, for a
// close, the outcome marker.
func tradeTitle(trade core.Trade) string {
	side := strings.ToUpper(string(trade.Side))
	if !trade.IsClose() {
		return fmt.Sprintf("🆕 %s - %s", side, trade.Symbol)
	}

	icon := "✅"
	if trade.PnL != nil && *trade.PnL < 0 {
		icon = "❌"
	}
	return fmt.Sprintf("%s %s - %s", icon, side, trade.Symbol)
}

// tradeBody renders the detail block shared by the Telegram and mail pushes.
func tradeBody(trade core.Trade) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Quantity: `%.6f`\n", trade.Quantity)
	fmt.Fprintf(&sb, "Price: `%.4f`\n", trade.Price)
	if trade.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", trade.Reason)
	}

	if trade.IsClose() {
		if trade.ExitReason != "" {
			fmt.Fprintf(&sb, "Exit: %s\n", trade.ExitReason)
		}
		if trade.PnL != nil {
			fmt.Fprintf(&sb, "Profit: `%.2f`", *trade.PnL)
			if trade.PnLPct != nil {
				fmt.Fprintf(&sb, " (`%.2f%%`)", *trade.PnLPct*100)
			}
			sb.WriteString("\n")
		}
		if trade.Liquidation {
			sb.WriteString("⚠️ margin depleted, cash return clamped at zero\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// formatError renders the error push sent to every channel.
func formatError(err error) string {
	var sb strings.Builder
	sb.WriteString("🛑 ERROR\n")
	sb.WriteString("-----\n")
	sb.WriteString(err.Error())

	return sb.String()
}
