package risk

import (
	"fmt"
	"time"

	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
)

// Protection is one composable veto over the scenario's recent closed
// trades. Check returns nil to allow or a *core.SkipError naming the plugin
// and the reason it denied.
type Protection interface {
	Name() string
	Check(in ProtectionInput) error
}

// ProtectionInput is the window every plugin reads. Closed holds the
// scenario's closed trades, oldest first.
type ProtectionInput struct {
	Symbol    string
	Now       time.Time
	Timeframe time.Duration
	Closed    []core.Trade
}

// window returns the closed trades within the last n candles.
func (in ProtectionInput) window(n int) []core.Trade {
	cutoff := in.Now.Add(-time.Duration(n) * in.Timeframe)
	for i := len(in.Closed) - 1; i >= 0; i-- {
		if in.Closed[i].At.Before(cutoff) {
			return in.Closed[i+1:]
		}
	}
	return in.Closed
}

func deny(name, format string, args ...any) error {
	return core.NewSkip(core.SkipProtectionBlock, "%s: %s", name, fmt.Sprintf(format, args...))
}

// Cooldown blocks re-entry into a symbol while its last stop-loss is fresh.
type Cooldown struct {
	LookbackCandles int
}

func (c *Cooldown) Name() string { return config.ProtectionCooldown }

func (c *Cooldown) Check(in ProtectionInput) error {
	for _, t := range in.window(c.LookbackCandles) {
		if t.Symbol == in.Symbol && t.ExitReason == core.ExitStopLoss {
			return deny(c.Name(), "%s stopped out within the last %d candles", in.Symbol, c.LookbackCandles)
		}
	}
	return nil
}

// StoplossGuard blocks all entries (or entries into one pair) after too many
// stop-losses in the lookback window.
type StoplossGuard struct {
	LookbackCandles int
	TradeLimit      int
	OnlyPerPair     bool
}

func (g *StoplossGuard) Name() string { return config.ProtectionStoplossGuard }

func (g *StoplossGuard) Check(in ProtectionInput) error {
	var count int
	for _, t := range in.window(g.LookbackCandles) {
		if t.ExitReason != core.ExitStopLoss {
			continue
		}
		if g.OnlyPerPair && t.Symbol != in.Symbol {
			continue
		}
		count++
	}
	if count >= g.TradeLimit {
		scope := "across all pairs"
		if g.OnlyPerPair {
			scope = "on " + in.Symbol
		}
		return deny(g.Name(), "%d stop-losses %s within %d candles, limit %d",
			count, scope, g.LookbackCandles, g.TradeLimit)
	}
	return nil
}

// MaxDrawdown blocks entries while the scenario's recent cumulative
// pnl-fraction sits below the allowed drawdown.
type MaxDrawdown struct {
	LookbackCandles int
	TradeLimit      int
	MaxDrawdown     float64
}

func (m *MaxDrawdown) Name() string { return config.ProtectionMaxDrawdown }

func (m *MaxDrawdown) Check(in ProtectionInput) error {
	var sum float64
	var count int
	for _, t := range in.window(m.LookbackCandles) {
		if t.PnLPct == nil {
			continue
		}
		sum += *t.PnLPct
		count++
	}
	if count >= m.TradeLimit && sum <= -m.MaxDrawdown {
		return deny(m.Name(), "cumulative pnl %.4f over %d trades at drawdown limit %.4f",
			sum, count, m.MaxDrawdown)
	}
	return nil
}

// LowProfitPairs blocks entries into a pair whose recent trades average
// below the required profit.
type LowProfitPairs struct {
	LookbackCandles int
	TradeLimit      int
	RequiredProfit  float64
}

func (l *LowProfitPairs) Name() string { return config.ProtectionLowProfitPairs }

func (l *LowProfitPairs) Check(in ProtectionInput) error {
	var sum float64
	var count int
	for _, t := range in.window(l.LookbackCandles) {
		if t.Symbol != in.Symbol || t.PnLPct == nil {
			continue
		}
		sum += *t.PnLPct
		count++
	}
	if count >= l.TradeLimit && count > 0 && sum/float64(count) < l.RequiredProfit {
		return deny(l.Name(), "%s averages %.4f over %d trades, required %.4f",
			in.Symbol, sum/float64(count), count, l.RequiredProfit)
	}
	return nil
}

// BuildProtections instantiates the configured plugins in order. Config
// validation already rejects unknown names; hand-built configs still get the
// same error here.
func BuildProtections(cfgs []config.Protection) ([]Protection, error) {
	out := make([]Protection, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Name {
		case config.ProtectionCooldown:
			out = append(out, &Cooldown{LookbackCandles: c.LookbackCandles})
		case config.ProtectionStoplossGuard:
			out = append(out, &StoplossGuard{
				LookbackCandles: c.LookbackCandles,
				TradeLimit:      c.TradeLimit,
				OnlyPerPair:     c.OnlyPerPair,
			})
		case config.ProtectionMaxDrawdown:
			out = append(out, &MaxDrawdown{
				LookbackCandles: c.LookbackCandles,
				TradeLimit:      c.TradeLimit,
				MaxDrawdown:     c.MaxDrawdown,
			})
		case config.ProtectionLowProfitPairs:
			out = append(out, &LowProfitPairs{
				LookbackCandles: c.LookbackCandles,
				TradeLimit:      c.TradeLimit,
				RequiredProfit:  c.RequiredProfit,
			})
		default:
			return nil, core.NewConfigError("unknown protection %q", c.Name)
		}
	}
	return out, nil
}
