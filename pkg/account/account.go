// Package account is the deterministic trade ledger: one account per
// scenario, single writer, every mutation emitting an immutable trade
// record. Admission failures are typed *core.SkipError results, never
// panics, so callers branch on the reason and keep running.
package account

import (
	"math"
	"sync"
	"time"

	"github.com/velabot/vela/pkg/core"
)

// DailyLoss accumulates today's realized losses. The date rolls the
// accumulator over automatically.
type DailyLoss struct {
	Date string  `json:"date"`
	Loss float64 `json:"loss"`
}

const dailyLossLayout = "2006-01-02"

func (d *DailyLoss) add(pnl float64, at time.Time) {
	if pnl >= 0 {
		return
	}
	day := at.UTC().Format(dailyLossLayout)
	if d.Date != day {
		d.Date = day
		d.Loss = 0
	}
	d.Loss += -pnl
}

// Today returns the loss accumulated on the day of at, zero when the
// tracker belongs to another day.
func (d *DailyLoss) Today(at time.Time) float64 {
	if d.Date != at.UTC().Format(dailyLossLayout) {
		return 0
	}
	return d.Loss
}

// Account is the per-scenario ledger. All exported methods are safe for
// concurrent readers against the single writer.
type Account struct {
	mu sync.Mutex

	Scenario    string                    `json:"scenario"`
	InitialCash float64                   `json:"initial_cash"`
	CashBalance float64                   `json:"cash"`
	Positions   map[string]*core.Position `json:"positions"`
	Trades      []core.Trade              `json:"trades"`

	// Marks is the last quoted price per symbol; equity skips symbols that
	// never received a quote.
	Marks map[string]float64 `json:"marks,omitempty"`

	DailyLoss DailyLoss `json:"daily_loss"`
	Paused    bool      `json:"paused,omitempty"`

	LastTradeID int64     `json:"last_trade_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New seeds a fresh account with the configured initial cash.
func New(scenario string, initialCash float64, at time.Time) *Account {
	return &Account{
		Scenario:    scenario,
		InitialCash: initialCash,
		CashBalance: initialCash,
		Positions:   make(map[string]*core.Position),
		Marks:       make(map[string]float64),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// ExecOptions are the execution-cost knobs shared by every simulated fill.
type ExecOptions struct {
	FeeRate     float64
	SlippagePct float64
	SpreadBps   float64
}

// buyExec is the effective price paid when lifting the offer: nominal plus
// slippage plus half the quoted spread.
func (o ExecOptions) buyExec(price float64) float64 {
	return price * (1 + o.SlippagePct/100 + o.SpreadBps/20000)
}

// sellExec is the effective price received when hitting the bid.
func (o ExecOptions) sellExec(price float64) float64 {
	return price * (1 - o.SlippagePct/100 - o.SpreadBps/20000)
}

// DCASetup seeds the position's DCA state at open time.
type DCASetup struct {
	TotalTranches int
	DropPct       float64
	MaxDuration   time.Duration
}

// OpenOptions carry everything one entry needs beyond symbol and price.
type OpenOptions struct {
	ExecOptions

	PositionRatio float64
	AbsoluteUSDT  float64
	MinOrderSize  float64

	StopLossPct   float64
	TakeProfitPct float64

	Market    core.MarketType
	StagedTPs []core.TPStage
	DCA       *DCASetup
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// SetMark records the latest quote for a symbol.
func (a *Account) SetMark(symbol string, price float64) {
	if !validPrice(price) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Marks[symbol] = price
}

// Mark returns the last quote recorded for a symbol.
func (a *Account) Mark(symbol string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.Marks[symbol]
	return p, ok
}

// Cash returns the free cash balance.
func (a *Account) Cash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.CashBalance
}

// Equity is cash plus the mark-to-market value of every quoted position.
func (a *Account) Equity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.equityLocked()
}

func (a *Account) equityLocked() float64 {
	total := a.CashBalance
	for symbol, pos := range a.Positions {
		mark, ok := a.Marks[symbol]
		if !ok {
			continue
		}
		total += pos.MarkValue(mark)
	}
	return total
}

// Position returns the held position for a symbol, nil when flat. The
// pointer is live ledger state; only the ledger's own operations mutate it.
func (a *Account) Position(symbol string) *core.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Positions[symbol]
}

// SetHistoryID links the held position to its signal-history record. A flat
// symbol is a no-op.
func (a *Account) SetHistoryID(symbol, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pos := a.Positions[symbol]; pos != nil {
		pos.HistoryID = id
	}
}

// OpenPositions snapshots the held positions.
func (a *Account) OpenPositions() []core.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		out = append(out, *p)
	}
	return out
}

// TradeLog snapshots the trade history.
func (a *Account) TradeLog() []core.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.Trade(nil), a.Trades...)
}

// WinRate is the share of closed trades with positive PnL, in [0,1].
// Zero closed trades reports zero.
func (a *Account) WinRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var wins, closed int
	for _, t := range a.Trades {
		if !t.IsClose() {
			continue
		}
		closed++
		if t.IsWin() {
			wins++
		}
	}
	if closed == 0 {
		return 0
	}
	return float64(wins) / float64(closed)
}

// TodayLoss returns the realized loss accumulated on the day of at.
func (a *Account) TodayLoss(at time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.DailyLoss.Today(at)
}

// Pause stops new opens until Resume. Exits keep running.
func (a *Account) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Paused = true
}

// Resume lifts a pause.
func (a *Account) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Paused = false
}

// IsPaused reports whether the scenario accepts new opens.
func (a *Account) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Paused
}

// OpenLong buys symbol at the effective price and registers the position.
func (a *Account) OpenLong(symbol string, price float64, reason string, at time.Time, opts OpenOptions) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !validPrice(price) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s price %v", symbol, price)
	}
	if _, held := a.Positions[symbol]; held {
		return nil, core.NewSkip(core.SkipPositionExists, "%s already has a position", symbol)
	}

	a.Marks[symbol] = price
	equity := a.equityLocked()
	if equity <= 0 {
		return nil, core.NewSkip(core.SkipEquityDepleted, "equity %.2f", equity)
	}

	spend := equity * opts.PositionRatio
	if opts.AbsoluteUSDT > 0 {
		spend = opts.AbsoluteUSDT
	}
	if spend < opts.MinOrderSize {
		return nil, core.NewSkip(core.SkipMinOrderSize, "%s spend %.2f below minimum %.2f", symbol, spend, opts.MinOrderSize)
	}
	if spend > a.CashBalance {
		return nil, core.NewSkip(core.SkipInsufficientFunds, "%s needs %.2f, cash %.2f", symbol, spend, a.CashBalance)
	}

	exec := opts.buyExec(price)
	fee := spend * opts.FeeRate
	qty := (spend - fee) / exec

	pos := &core.Position{
		Symbol:     symbol,
		Side:       core.SideLong,
		Quantity:   qty,
		EntryPrice: exec,
		EntryTime:  at,
		StagedTPs:  append([]core.TPStage(nil), opts.StagedTPs...),
	}
	if opts.StopLossPct > 0 {
		pos.StopLoss = exec * (1 - opts.StopLossPct/100)
	}
	if opts.TakeProfitPct > 0 {
		pos.TakeProfit = exec * (1 + opts.TakeProfitPct/100)
	}
	if opts.DCA != nil {
		pos.DCA = &core.DCAState{
			TotalTranches:     opts.DCA.TotalTranches,
			CompletedTranches: 1,
			LastTranchePrice:  exec,
			DropPct:           opts.DCA.DropPct,
			StartedAt:         at,
			MaxDuration:       opts.DCA.MaxDuration,
		}
	}

	a.CashBalance -= spend
	a.Positions[symbol] = pos
	trade := a.appendTrade(core.Trade{
		Symbol:     symbol,
		Side:       core.SignalBuy,
		Quantity:   qty,
		Price:      exec,
		CashImpact: -spend,
		Fee:        fee,
		Slippage:   exec - price,
		At:         at,
		Reason:     reason,
	})
	return trade, nil
}

// OpenShort locks margin against a short position. Spot scenarios are
// rejected before any state changes.
func (a *Account) OpenShort(symbol string, price float64, reason string, at time.Time, opts OpenOptions) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !opts.Market.SupportsShort() {
		return nil, core.NewSkip(core.SkipMarketUnsupported, "shorts need futures or margin, market is %s", opts.Market)
	}
	if !validPrice(price) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s price %v", symbol, price)
	}
	if _, held := a.Positions[symbol]; held {
		return nil, core.NewSkip(core.SkipPositionExists, "%s already has a position", symbol)
	}

	a.Marks[symbol] = price
	equity := a.equityLocked()
	if equity <= 0 {
		return nil, core.NewSkip(core.SkipEquityDepleted, "equity %.2f", equity)
	}

	margin := equity * opts.PositionRatio
	if opts.AbsoluteUSDT > 0 {
		margin = opts.AbsoluteUSDT
	}
	if margin < opts.MinOrderSize {
		return nil, core.NewSkip(core.SkipMinOrderSize, "%s margin %.2f below minimum %.2f", symbol, margin, opts.MinOrderSize)
	}
	if margin > a.CashBalance {
		return nil, core.NewSkip(core.SkipInsufficientMargin, "%s needs %.2f margin, cash %.2f", symbol, margin, a.CashBalance)
	}

	exec := opts.sellExec(price)
	fee := margin * opts.FeeRate
	qty := (margin - fee) / exec

	pos := &core.Position{
		Symbol:     symbol,
		Side:       core.SideShort,
		Quantity:   qty,
		EntryPrice: exec,
		EntryTime:  at,
		Margin:     margin,
		StagedTPs:  append([]core.TPStage(nil), opts.StagedTPs...),
	}
	if opts.StopLossPct > 0 {
		pos.StopLoss = exec * (1 + opts.StopLossPct/100)
	}
	if opts.TakeProfitPct > 0 {
		pos.TakeProfit = exec * (1 - opts.TakeProfitPct/100)
	}
	if opts.DCA != nil {
		pos.DCA = &core.DCAState{
			TotalTranches:     opts.DCA.TotalTranches,
			CompletedTranches: 1,
			LastTranchePrice:  exec,
			DropPct:           opts.DCA.DropPct,
			StartedAt:         at,
			MaxDuration:       opts.DCA.MaxDuration,
		}
	}

	a.CashBalance -= margin
	a.Positions[symbol] = pos
	trade := a.appendTrade(core.Trade{
		Symbol:     symbol,
		Side:       core.SignalShort,
		Quantity:   qty,
		Price:      exec,
		CashImpact: -margin,
		Fee:        fee,
		Slippage:   price - exec,
		At:         at,
		Reason:     reason,
	})
	return trade, nil
}

// CloseLong sells the whole long position at the effective price.
func (a *Account) CloseLong(symbol string, price float64, reason string, exitReason core.ExitReason, at time.Time, opts ExecOptions) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, err := a.positionFor(symbol, core.SideLong, price)
	if err != nil {
		return nil, err
	}
	return a.closeLongLocked(pos, pos.Quantity, price, reason, exitReason, at, opts), nil
}

// CloseShort covers the whole short position at the effective price.
func (a *Account) CloseShort(symbol string, price float64, reason string, exitReason core.ExitReason, at time.Time, opts ExecOptions) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, err := a.positionFor(symbol, core.SideShort, price)
	if err != nil {
		return nil, err
	}
	return a.closeShortLocked(pos, pos.Quantity, price, reason, exitReason, at, opts), nil
}

// Close exits whatever position the symbol holds.
func (a *Account) Close(symbol string, price float64, reason string, exitReason core.ExitReason, at time.Time, opts ExecOptions) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !validPrice(price) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s price %v", symbol, price)
	}
	pos := a.Positions[symbol]
	if pos == nil {
		return nil, core.NewSkip(core.SkipNoPosition, "no position for %s", symbol)
	}
	if pos.Side == core.SideShort {
		return a.closeShortLocked(pos, pos.Quantity, price, reason, exitReason, at, opts), nil
	}
	return a.closeLongLocked(pos, pos.Quantity, price, reason, exitReason, at, opts), nil
}

func (a *Account) positionFor(symbol string, side core.PositionSide, price float64) (*core.Position, error) {
	if !validPrice(price) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s price %v", symbol, price)
	}
	pos := a.Positions[symbol]
	if pos == nil || pos.Side != side {
		return nil, core.NewSkip(core.SkipNoPosition, "no %s position for %s", side, symbol)
	}
	return pos, nil
}

// closeLongLocked realizes qty of a long position. Callers hold the lock and
// guarantee 0 < qty <= pos.Quantity.
func (a *Account) closeLongLocked(pos *core.Position, qty, price float64, reason string, exitReason core.ExitReason, at time.Time, opts ExecOptions) *core.Trade {
	exec := opts.sellExec(price)
	gross := qty * exec
	fee := gross * opts.FeeRate
	gained := gross - fee
	pnl := gained - qty*pos.EntryPrice
	basis := qty * pos.EntryPrice

	a.CashBalance += gained
	a.Marks[pos.Symbol] = price
	a.DailyLoss.add(pnl, at)
	a.reducePosition(pos, qty)

	pnlPct := 0.0
	if basis > 0 {
		pnlPct = pnl / basis
	}
	return a.appendTrade(core.Trade{
		Symbol:     pos.Symbol,
		Side:       core.SignalSell,
		Quantity:   qty,
		Price:      exec,
		CashImpact: gained,
		Fee:        fee,
		Slippage:   price - exec,
		At:         at,
		Reason:     reason,
		ExitReason: exitReason,
		PnL:        &pnl,
		PnLPct:     &pnlPct,
	})
}

// closeShortLocked realizes qty of a short position, releasing margin
// proportionally. A loss beyond the released margin clamps the cash return
// at zero and annotates the trade as a liquidation.
func (a *Account) closeShortLocked(pos *core.Position, qty, price float64, reason string, exitReason core.ExitReason, at time.Time, opts ExecOptions) *core.Trade {
	exec := opts.buyExec(price)
	fee := qty * exec * opts.FeeRate
	pnl := (pos.EntryPrice-exec)*qty - fee

	portion := qty / pos.Quantity
	released := pos.Margin * portion

	returned := released + pnl
	liquidated := false
	if returned < 0 {
		returned = 0
		liquidated = true
	}

	a.CashBalance += returned
	a.Marks[pos.Symbol] = price
	a.DailyLoss.add(pnl, at)
	pos.Margin -= released
	a.reducePosition(pos, qty)

	pnlPct := 0.0
	if released > 0 {
		pnlPct = pnl / released
	}
	return a.appendTrade(core.Trade{
		Symbol:      pos.Symbol,
		Side:        core.SignalCover,
		Quantity:    qty,
		Price:       exec,
		CashImpact:  returned,
		Fee:         fee,
		Slippage:    exec - price,
		At:          at,
		Reason:      reason,
		ExitReason:  exitReason,
		PnL:         &pnl,
		PnLPct:      &pnlPct,
		Liquidation: liquidated,
	})
}

func (a *Account) reducePosition(pos *core.Position, qty float64) {
	const dust = 1e-12
	pos.Quantity -= qty
	if pos.Quantity <= dust {
		delete(a.Positions, pos.Symbol)
	}
}

// DCAAdd grows an existing position by addUSDT at the effective price. The
// entry price becomes the cash-weighted average; stop-loss and take-profit
// stay where the original entry put them.
func (a *Account) DCAAdd(symbol string, price, addUSDT float64, at time.Time, opts ExecOptions) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !validPrice(price) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s price %v", symbol, price)
	}
	pos := a.Positions[symbol]
	if pos == nil {
		return nil, core.NewSkip(core.SkipNoPosition, "no position for %s", symbol)
	}
	if addUSDT < 1 {
		return nil, core.NewSkip(core.SkipMinOrderSize, "dca add %.2f below 1 USDT", addUSDT)
	}
	if addUSDT > a.CashBalance {
		return nil, core.NewSkip(core.SkipInsufficientFunds, "dca add %.2f, cash %.2f", addUSDT, a.CashBalance)
	}

	var exec float64
	var side core.SignalType
	if pos.Side == core.SideShort {
		exec = opts.sellExec(price)
		side = core.SignalShort
	} else {
		exec = opts.buyExec(price)
		side = core.SignalBuy
	}
	fee := addUSDT * opts.FeeRate
	addQty := (addUSDT - fee) / exec

	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + exec*addQty) / (pos.Quantity + addQty)
	pos.Quantity += addQty
	if pos.Side == core.SideShort {
		pos.Margin += addUSDT
	}
	if pos.DCA != nil {
		pos.DCA.CompletedTranches++
		pos.DCA.LastTranchePrice = exec
	}

	a.CashBalance -= addUSDT
	a.Marks[symbol] = price
	trade := a.appendTrade(core.Trade{
		Symbol:     symbol,
		Side:       side,
		Quantity:   addQty,
		Price:      exec,
		CashImpact: -addUSDT,
		Fee:        fee,
		Slippage:   math.Abs(exec - price),
		At:         at,
		Reason:     "dca add",
	})
	return trade, nil
}

// Reduce realizes roughly notionalUSDT worth of an existing position at the
// effective price, clamped to the held quantity. Strategy position
// adjustments use it for their scale-out path.
func (a *Account) Reduce(symbol string, price, notionalUSDT float64, reason string, at time.Time, opts ExecOptions) (*core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !validPrice(price) {
		return nil, core.NewSkip(core.SkipPriceInvalid, "%s price %v", symbol, price)
	}
	pos := a.Positions[symbol]
	if pos == nil {
		return nil, core.NewSkip(core.SkipNoPosition, "no position for %s", symbol)
	}
	if notionalUSDT <= 0 {
		return nil, core.NewSkip(core.SkipMinOrderSize, "reduce %.2f not positive", notionalUSDT)
	}

	exec := opts.sellExec(price)
	if pos.Side == core.SideShort {
		exec = opts.buyExec(price)
	}
	qty := notionalUSDT / exec
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	return a.closePartialLocked(pos, qty, price, reason, core.ExitSignal, at, opts), nil
}

// PaperDCATriggered reports whether the default paper DCA policy fires for
// the position at the given price: an adverse move past the configured drop
// with tranches and time budget remaining.
func PaperDCATriggered(pos *core.Position, price float64, at time.Time) bool {
	if pos == nil || pos.DCA == nil || !validPrice(price) {
		return false
	}
	d := pos.DCA
	if d.CompletedTranches >= d.TotalTranches {
		return false
	}
	if d.MaxDuration > 0 && at.Sub(d.StartedAt) >= d.MaxDuration {
		return false
	}

	trigger := d.LastTranchePrice * (1 - d.DropPct/100)
	if pos.Side == core.SideShort {
		trigger = d.LastTranchePrice * (1 + d.DropPct/100)
		return price >= trigger
	}
	return price <= trigger
}

// appendTrade assigns the next id and stores the record. The returned copy
// keeps the ledger's history out of reach of callers.
func (a *Account) appendTrade(t core.Trade) *core.Trade {
	a.LastTradeID++
	t.ID = a.LastTradeID
	a.Trades = append(a.Trades, t)
	a.UpdatedAt = t.At
	out := t
	return &out
}
