// Package risk is the admission gate in front of every opening trade plus
// the always-on portfolio guards. The checks run in a fixed order and the
// first failure returns a typed *core.SkipError, so callers log the reason
// and move on to the next symbol.
package risk

import (
	"math"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
)

// SentimentScore is the latest externally scored news snapshot. The fetcher
// lives outside the engine; a nil score means no snapshot is available and
// the sentiment gate passes.
type SentimentScore struct {
	Score    float64
	ScoredAt time.Time
}

// Input is one admission request: the signal's symbol and side plus the
// portfolio state the checks read.
type Input struct {
	Symbol string
	Side   core.PositionSide
	At     time.Time

	Account *account.Account

	// Closes holds each symbol's recent close series, oldest first. The
	// correlation and heat checks read the tail; a symbol without enough
	// history is skipped by those checks rather than blocked.
	Closes map[string][]float64

	Sentiment *SentimentScore
}

// Decision is the admitted sizing. PositionRatio is the configured (or
// Kelly-derived) ratio after portfolio-heat scaling.
type Decision struct {
	PositionRatio float64
	Heat          float64
	KellyApplied  bool
}

// Gate evaluates admission for one scenario. It is stateless between calls;
// everything it reads arrives through Input.
type Gate struct {
	cfg         *config.RuntimeConfig
	timeframe   time.Duration
	protections []Protection
}

// NewGate builds the gate and its protection plugins from the resolved
// scenario configuration.
func NewGate(cfg *config.RuntimeConfig) (*Gate, error) {
	tf, err := str2duration.ParseDuration(cfg.Timeframe)
	if err != nil {
		return nil, core.NewConfigError("timeframe %q: %v", cfg.Timeframe, err)
	}
	protections, err := BuildProtections(cfg.Protections)
	if err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg, timeframe: tf, protections: protections}, nil
}

// Admit runs the ordered admission checks: market type, position limit,
// symbol cap, daily loss, protections, sentiment, correlation, portfolio
// heat, Kelly sizing. The first failing check returns its skip; success
// returns the effective sizing for the open.
func (g *Gate) Admit(in Input) (Decision, error) {
	r := g.cfg.Risk

	if in.Account.IsPaused() {
		return Decision{}, core.NewSkip(core.SkipScenarioPaused, "scenario %s is paused", in.Account.Scenario)
	}
	if in.Side == core.SideShort && !g.cfg.MarketType.SupportsShort() {
		return Decision{}, core.NewSkip(core.SkipMarketUnsupported,
			"shorts need futures or margin, market is %s", g.cfg.MarketType)
	}

	open := in.Account.OpenPositions()
	if r.MaxPositions > 0 && len(open) >= r.MaxPositions {
		return Decision{}, core.NewSkip(core.SkipPositionLimit,
			"%d positions open, limit %d", len(open), r.MaxPositions)
	}

	equity := in.Account.Equity()
	if r.SymbolCapRatio > 0 && equity > 0 {
		notional := equity * r.PositionRatio
		if r.AbsoluteAmount > 0 {
			notional = r.AbsoluteAmount
		}
		if pos := in.Account.Position(in.Symbol); pos != nil {
			if mark, ok := in.Account.Mark(pos.Symbol); ok {
				notional += pos.MarkValue(mark)
			}
		}
		if limit := r.SymbolCapRatio * equity; notional > limit {
			return Decision{}, core.NewSkip(core.SkipSymbolCap,
				"%s notional %.2f above cap %.2f", in.Symbol, notional, limit)
		}
	}

	if r.DailyLossPct > 0 {
		limit := in.Account.InitialCash * r.DailyLossPct / 100
		if loss := in.Account.TodayLoss(in.At); loss >= limit {
			return Decision{}, core.NewSkip(core.SkipDailyLossLimit,
				"today's loss %.2f at limit %.2f", loss, limit)
		}
	}

	closed := closedTrades(in.Account.TradeLog())
	pin := ProtectionInput{Symbol: in.Symbol, Now: in.At, Timeframe: g.timeframe, Closed: closed}
	for _, p := range g.protections {
		if err := p.Check(pin); err != nil {
			return Decision{}, err
		}
	}

	if r.Sentiment.Enabled && in.Sentiment != nil {
		if in.Sentiment.Score < r.Sentiment.MinScore {
			return Decision{}, core.NewSkip(core.SkipSentimentBlock,
				"sentiment %.2f below minimum %.2f", in.Sentiment.Score, r.Sentiment.MinScore)
		}
	}

	heat, err := g.correlationChecks(in, open, equity)
	if err != nil {
		return Decision{}, err
	}

	ratio := r.PositionRatio
	kellyApplied := false
	if r.Kelly.Enabled {
		if k, ok := kellyRatio(closed, r.Kelly); ok {
			ratio = k
			kellyApplied = true
		}
	}

	return Decision{
		PositionRatio: ratio * (1 - heat),
		Heat:          heat,
		KellyApplied:  kellyApplied,
	}, nil
}

// correlationChecks runs the pairwise correlation filter against every held
// same-direction position and accumulates portfolio heat. Opposite-direction
// positions are hedges and do not count.
func (g *Gate) correlationChecks(in Input, open []core.Position, equity float64) (float64, error) {
	r := g.cfg.Risk.Correlation
	if len(open) == 0 || (r.Threshold <= 0 && r.MaxHeat <= 0) {
		return 0, nil
	}

	newReturns, ok := logReturns(in.Closes[in.Symbol], r.Lookback)
	if !ok {
		return 0, nil
	}

	var heat float64
	for _, pos := range open {
		if pos.Side != in.Side || pos.Symbol == in.Symbol {
			continue
		}
		heldReturns, ok := logReturns(in.Closes[pos.Symbol], r.Lookback)
		if !ok {
			continue
		}
		corr := stat.Correlation(newReturns, heldReturns, nil)
		if math.IsNaN(corr) {
			continue
		}
		if r.Threshold > 0 && corr >= r.Threshold {
			return 0, core.NewSkip(core.SkipCorrelationBlock,
				"%s correlates %.2f with held %s, threshold %.2f", in.Symbol, corr, pos.Symbol, r.Threshold)
		}
		if equity > 0 {
			if mark, has := in.Account.Mark(pos.Symbol); has {
				heat += math.Abs(corr) * pos.MarkValue(mark) / equity
			}
		}
	}

	if r.MaxHeat > 0 && heat >= r.MaxHeat {
		return 0, core.NewSkip(core.SkipHeatBlock,
			"portfolio heat %.2f at limit %.2f", heat, r.MaxHeat)
	}
	return heat, nil
}

// EnforceMaxTotalLoss pauses the scenario once equity has drawn down the
// configured percentage from initial cash. It runs on every mark tick and
// reports whether the guard tripped on this one.
func EnforceMaxTotalLoss(acct *account.Account, maxTotalLossPct float64) bool {
	if maxTotalLossPct <= 0 || acct.InitialCash <= 0 || acct.IsPaused() {
		return false
	}
	lossPct := (acct.InitialCash - acct.Equity()) / acct.InitialCash * 100
	if lossPct < maxTotalLossPct {
		return false
	}
	acct.Pause()
	return true
}

// kellyRatio derives the half-Kelly position ratio from the last K closed
// trades: half of W - (1-W)/R clamped to the configured band. Returns false
// when the sample is smaller than the lookback or the fraction is
// non-positive, letting the caller keep the configured ratio.
func kellyRatio(closed []core.Trade, cfg config.Kelly) (float64, bool) {
	if cfg.Lookback <= 0 || len(closed) < cfg.Lookback {
		return 0, false
	}
	sample := closed[len(closed)-cfg.Lookback:]

	var wins, losses int
	var winSum, lossSum float64
	for _, t := range sample {
		if t.PnL == nil {
			continue
		}
		if *t.PnL > 0 {
			wins++
			winSum += *t.PnL
		} else {
			losses++
			lossSum -= *t.PnL
		}
	}
	if wins == 0 {
		return 0, false
	}

	w := float64(wins) / float64(len(sample))
	kelly := w
	if losses > 0 && lossSum > 0 {
		rr := (winSum / float64(wins)) / (lossSum / float64(losses))
		kelly = w - (1-w)/rr
	}

	half := kelly / 2
	if half <= 0 {
		return 0, false
	}
	return math.Min(math.Max(half, cfg.MinRatio), cfg.MaxRatio), true
}

// logReturns converts the tail of a close series into exactly lookback
// log-returns, oldest first. Series too short or containing non-positive
// closes report false.
func logReturns(closes []float64, lookback int) ([]float64, bool) {
	if lookback <= 0 || len(closes) < lookback+1 {
		return nil, false
	}
	tail := closes[len(closes)-lookback-1:]
	out := make([]float64, lookback)
	for i := 0; i < lookback; i++ {
		if tail[i] <= 0 || tail[i+1] <= 0 {
			return nil, false
		}
		out[i] = math.Log(tail[i+1] / tail[i])
	}
	return out, true
}

func closedTrades(trades []core.Trade) []core.Trade {
	out := make([]core.Trade, 0, len(trades))
	for _, t := range trades {
		if t.IsClose() {
			out = append(out, t)
		}
	}
	return out
}
