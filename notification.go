package vela

import (
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/monitoring"
)

// notifiers fans one engine event out to every registered notifier.
type notifiers []core.Notifier

func (n notifiers) Notify(text string) {
	for _, notifier := range n {
		notifier.Notify(text)
	}
}

func (n notifiers) OnTrade(trade core.Trade) {
	for _, notifier := range n {
		notifier.OnTrade(trade)
	}
}

func (n notifiers) OnError(err error) {
	for _, notifier := range n {
		notifier.OnError(err)
	}
}

// notifierFor builds the stack one scenario's executor reports to. Metrics
// ride the same fan-out, so trade and error counters stay in step with what
// operators are told.
func (b *Bot) notifierFor(scenario string) core.Notifier {
	stack := make(notifiers, 0, len(b.notifiers)+1)
	stack = append(stack, b.notifiers...)
	if b.monitorAddr != "" {
		stack = append(stack, monitoring.Notifier{Scenario: scenario})
	}
	if len(stack) == 0 {
		return nil
	}
	return stack
}
