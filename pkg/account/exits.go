package account

import (
	"fmt"
	"time"

	"github.com/velabot/vela/pkg/core"
)

// ExitPolicy is evaluated against every mark tick. Zero-valued knobs disable
// their check.
type ExitPolicy struct {
	ExecOptions

	TrailingActivationPct float64
	TrailingCallbackPct   float64
	TimeStopHours         float64
}

func (p ExitPolicy) trailingEnabled() bool {
	return p.TrailingActivationPct > 0 && p.TrailingCallbackPct > 0
}

// CheckExits runs the per-tick exit checks for one symbol in the fixed order
// stop-loss, take-profit, trailing stop, staged take-profit, time stop. The
// first full exit ends the tick; staged stages may each emit a partial close
// before later checks run. Returns every trade emitted this tick.
func (a *Account) CheckExits(symbol string, mark float64, at time.Time, policy ExitPolicy) ([]core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !validPrice(mark) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s mark %v", symbol, mark)
	}
	pos := a.Positions[symbol]
	if pos == nil {
		return nil, nil
	}
	a.Marks[symbol] = mark

	if hit, level := stopLossHit(pos, mark); hit {
		t := a.closeAtLocked(pos, mark, fmt.Sprintf("stop-loss %.8g hit", level), core.ExitStopLoss, at, policy.ExecOptions)
		return []core.Trade{*t}, nil
	}
	if hit, level := takeProfitHit(pos, mark); hit {
		t := a.closeAtLocked(pos, mark, fmt.Sprintf("take-profit %.8g hit", level), core.ExitTakeProfit, at, policy.ExecOptions)
		return []core.Trade{*t}, nil
	}

	if policy.trailingEnabled() {
		if exited, t := a.trailingTickLocked(pos, mark, at, policy); exited {
			return []core.Trade{*t}, nil
		}
	}

	var out []core.Trade
	for stageFired(pos, mark) {
		stage := pos.StagedTPs[0]
		pos.StagedTPs = pos.StagedTPs[1:]

		closeQty := stage.CloseRatio * pos.Quantity
		t := a.closePartialLocked(pos, closeQty, mark,
			fmt.Sprintf("staged take-profit at +%.4g%%", stage.AtPct), core.ExitStagedTP, at, policy.ExecOptions)
		out = append(out, *t)

		if a.Positions[symbol] == nil {
			return out, nil
		}
	}

	if policy.TimeStopHours > 0 && timeStopDue(pos, mark, at, policy.TimeStopHours) {
		t := a.closeAtLocked(pos, mark,
			fmt.Sprintf("no profit after %.4gh", policy.TimeStopHours), core.ExitTimeStop, at, policy.ExecOptions)
		out = append(out, *t)
	}
	return out, nil
}

func stopLossHit(pos *core.Position, mark float64) (bool, float64) {
	if pos.StopLoss <= 0 {
		return false, 0
	}
	if pos.Side == core.SideShort {
		return mark >= pos.StopLoss, pos.StopLoss
	}
	return mark <= pos.StopLoss, pos.StopLoss
}

func takeProfitHit(pos *core.Position, mark float64) (bool, float64) {
	if pos.TakeProfit <= 0 {
		return false, 0
	}
	if pos.Side == core.SideShort {
		return mark <= pos.TakeProfit, pos.TakeProfit
	}
	return mark >= pos.TakeProfit, pos.TakeProfit
}

// trailingTickLocked advances the one-way trailing state and exits when the
// mark retraces the callback from the tracked extreme.
func (a *Account) trailingTickLocked(pos *core.Position, mark float64, at time.Time, policy ExitPolicy) (bool, *core.Trade) {
	retraced, reason := trailingAdvance(pos, mark, policy)
	if !retraced {
		return false, nil
	}
	t := a.closeAtLocked(pos, mark, reason, core.ExitTrailingStop, at, policy.ExecOptions)
	return true, t
}

// trailingAdvance moves the trailing state for one tick and reports whether
// the mark retraced past the callback, with the close reason when it did.
func trailingAdvance(pos *core.Position, mark float64, policy ExitPolicy) (bool, string) {
	if !pos.Trailing.Active {
		activation := pos.EntryPrice * (1 + policy.TrailingActivationPct/100)
		crossed := mark >= activation
		if pos.Side == core.SideShort {
			activation = pos.EntryPrice * (1 - policy.TrailingActivationPct/100)
			crossed = mark <= activation
		}
		if crossed {
			pos.Trailing.Activate(mark)
		}
		return false, ""
	}

	pos.Trailing.Track(pos.Side, mark)

	exitLevel := pos.Trailing.Extreme * (1 - policy.TrailingCallbackPct/100)
	retraced := mark <= exitLevel
	if pos.Side == core.SideShort {
		exitLevel = pos.Trailing.Extreme * (1 + policy.TrailingCallbackPct/100)
		retraced = mark >= exitLevel
	}
	if !retraced {
		return false, ""
	}
	return true, fmt.Sprintf("retraced %.4g%% from %.8g", policy.TrailingCallbackPct, pos.Trailing.Extreme)
}

func stageFired(pos *core.Position, mark float64) bool {
	if len(pos.StagedTPs) == 0 {
		return false
	}
	profitPct := (mark - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == core.SideShort {
		profitPct = (pos.EntryPrice - mark) / pos.EntryPrice * 100
	}
	return profitPct >= pos.StagedTPs[0].AtPct
}

func timeStopDue(pos *core.Position, mark float64, at time.Time, hours float64) bool {
	held := at.Sub(pos.EntryTime)
	if held <= time.Duration(hours*float64(time.Hour)) {
		return false
	}
	if pos.Side == core.SideShort {
		return mark >= pos.EntryPrice
	}
	return mark <= pos.EntryPrice
}

// ExitIntent is one close the exit policy wants an external venue to execute
// before the ledger books it. Quantity is in base units; Staged marks a
// staged take-profit whose level is consumed when the fill settles.
type ExitIntent struct {
	Symbol     string
	Side       core.PositionSide
	Quantity   float64
	Reason     string
	ExitReason core.ExitReason
	Staged     bool
}

// PlanExit runs the same checks as CheckExits but books nothing, returning
// the first close the policy wants. Trailing state still advances on every
// call. Staged levels are consumed by SettleExit rather than here, so an
// intent whose external order failed re-arms on the next tick.
func (a *Account) PlanExit(symbol string, mark float64, at time.Time, policy ExitPolicy) (*ExitIntent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !validPrice(mark) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s mark %v", symbol, mark)
	}
	pos := a.Positions[symbol]
	if pos == nil {
		return nil, nil
	}
	a.Marks[symbol] = mark

	full := func(reason string, exitReason core.ExitReason) *ExitIntent {
		return &ExitIntent{
			Symbol:     symbol,
			Side:       pos.Side,
			Quantity:   pos.Quantity,
			Reason:     reason,
			ExitReason: exitReason,
		}
	}

	if hit, level := stopLossHit(pos, mark); hit {
		return full(fmt.Sprintf("stop-loss %.8g hit", level), core.ExitStopLoss), nil
	}
	if hit, level := takeProfitHit(pos, mark); hit {
		return full(fmt.Sprintf("take-profit %.8g hit", level), core.ExitTakeProfit), nil
	}
	if policy.trailingEnabled() {
		if retraced, reason := trailingAdvance(pos, mark, policy); retraced {
			return full(reason, core.ExitTrailingStop), nil
		}
	}
	if stageFired(pos, mark) {
		stage := pos.StagedTPs[0]
		return &ExitIntent{
			Symbol:     symbol,
			Side:       pos.Side,
			Quantity:   stage.CloseRatio * pos.Quantity,
			Reason:     fmt.Sprintf("staged take-profit at +%.4g%%", stage.AtPct),
			ExitReason: core.ExitStagedTP,
			Staged:     true,
		}, nil
	}
	if policy.TimeStopHours > 0 && timeStopDue(pos, mark, at, policy.TimeStopHours) {
		return full(fmt.Sprintf("no profit after %.4gh", policy.TimeStopHours), core.ExitTimeStop), nil
	}
	return nil, nil
}

// SettleExit books an exit an external venue already executed. The fill's
// average price becomes the effective execution price and its fee replaces
// the policy's simulated costs; the booked quantity clamps to the held
// position, so a short-filled full close leaves the remainder open for the
// next plan. Staged intents consume their level here, once the fill is real.
func (a *Account) SettleExit(intent ExitIntent, fill core.Fill, at time.Time) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !validPrice(fill.AvgPrice) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s fill price %v", intent.Symbol, fill.AvgPrice)
	}
	if fill.Quantity <= 0 {
		return nil, fmt.Errorf("%s exit fill executed nothing", intent.Symbol)
	}
	pos := a.Positions[intent.Symbol]
	if pos == nil || pos.Side != intent.Side {
		return nil, core.NewSkip(core.SkipNoPosition, "no %s position for %s", intent.Side, intent.Symbol)
	}

	if intent.Staged && len(pos.StagedTPs) > 0 {
		pos.StagedTPs = pos.StagedTPs[1:]
	}

	qty := fill.Quantity
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	var opts ExecOptions
	if fill.QuoteValue > 0 {
		opts.FeeRate = fill.Fee / fill.QuoteValue
	}
	return a.closePartialLocked(pos, qty, fill.AvgPrice, intent.Reason, intent.ExitReason, at, opts), nil
}

func (a *Account) closeAtLocked(pos *core.Position, mark float64, reason string, exitReason core.ExitReason, at time.Time, opts ExecOptions) *core.Trade {
	return a.closePartialLocked(pos, pos.Quantity, mark, reason, exitReason, at, opts)
}

func (a *Account) closePartialLocked(pos *core.Position, qty, mark float64, reason string, exitReason core.ExitReason, at time.Time, opts ExecOptions) *core.Trade {
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	if pos.Side == core.SideShort {
		return a.closeShortLocked(pos, qty, mark, reason, exitReason, at, opts)
	}
	return a.closeLongLocked(pos, qty, mark, reason, exitReason, at, opts)
}
