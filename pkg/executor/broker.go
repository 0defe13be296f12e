package executor

import (
	"context"
	"time"

	"github.com/velabot/vela/pkg/account"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/logger"
)

// Broker turns sized decisions into ledger trades. The paper broker fills at
// the local mark with the configured execution costs; the live broker sends a
// market order to the exchange first and books the returned fill, so no
// ledger entry ever carries a fabricated price.
type Broker interface {
	OpenLong(ctx context.Context, symbol string, mark float64, reason string, at time.Time, opts account.OpenOptions) (*core.Trade, error)
	OpenShort(ctx context.Context, symbol string, mark float64, reason string, at time.Time, opts account.OpenOptions) (*core.Trade, error)
	Close(ctx context.Context, symbol string, mark float64, reason string, exitReason core.ExitReason, at time.Time) (*core.Trade, error)
	CheckExits(ctx context.Context, symbol string, mark float64, at time.Time) ([]core.Trade, error)
	DCAAdd(ctx context.Context, symbol string, mark, addUSDT float64, at time.Time) (*core.Trade, error)
	Reduce(ctx context.Context, symbol string, mark, notionalUSDT float64, reason string, at time.Time) (*core.Trade, error)
}

// PaperBroker simulates every fill against the ledger at the local mark.
type PaperBroker struct {
	acct   *account.Account
	exec   account.ExecOptions
	policy account.ExitPolicy
}

// NewPaperBroker builds the simulated broker for one scenario ledger.
func NewPaperBroker(acct *account.Account, exec account.ExecOptions, policy account.ExitPolicy) *PaperBroker {
	return &PaperBroker{acct: acct, exec: exec, policy: policy}
}

func (b *PaperBroker) OpenLong(_ context.Context, symbol string, mark float64, reason string, at time.Time, opts account.OpenOptions) (*core.Trade, error) {
	return b.acct.OpenLong(symbol, mark, reason, at, opts)
}

func (b *PaperBroker) OpenShort(_ context.Context, symbol string, mark float64, reason string, at time.Time, opts account.OpenOptions) (*core.Trade, error) {
	return b.acct.OpenShort(symbol, mark, reason, at, opts)
}

func (b *PaperBroker) Close(_ context.Context, symbol string, mark float64, reason string, exitReason core.ExitReason, at time.Time) (*core.Trade, error) {
	return b.acct.Close(symbol, mark, reason, exitReason, at, b.exec)
}

func (b *PaperBroker) CheckExits(_ context.Context, symbol string, mark float64, at time.Time) ([]core.Trade, error) {
	return b.acct.CheckExits(symbol, mark, at, b.policy)
}

func (b *PaperBroker) DCAAdd(_ context.Context, symbol string, mark, addUSDT float64, at time.Time) (*core.Trade, error) {
	return b.acct.DCAAdd(symbol, mark, addUSDT, at, b.exec)
}

func (b *PaperBroker) Reduce(_ context.Context, symbol string, mark, notionalUSDT float64, reason string, at time.Time) (*core.Trade, error) {
	return b.acct.Reduce(symbol, mark, notionalUSDT, reason, at, b.exec)
}

// LiveBroker executes against a real exchange and books only what the
// exchange reports back. Sizing is validated before any order leaves, the
// ledger's own checks run again at booking time.
type LiveBroker struct {
	client core.ExchangeClient
	acct   *account.Account
	policy account.ExitPolicy
	log    logger.Logger
}

// NewLiveBroker builds the exchange-backed broker for one scenario ledger.
func NewLiveBroker(client core.ExchangeClient, acct *account.Account, policy account.ExitPolicy, log logger.Logger) *LiveBroker {
	return &LiveBroker{client: client, acct: acct, policy: policy, log: log}
}

func (b *LiveBroker) OpenLong(ctx context.Context, symbol string, mark float64, reason string, at time.Time, opts account.OpenOptions) (*core.Trade, error) {
	spend, err := b.entrySpend(symbol, mark, opts)
	if err != nil {
		return nil, err
	}
	fill, err := b.client.MarketBuy(ctx, symbol, spend)
	if err != nil {
		return nil, err
	}
	b.log.Infof("%s live buy filled: qty %.8g at %.8g", symbol, fill.Quantity, fill.AvgPrice)
	return b.acct.OpenLong(symbol, fill.AvgPrice, reason, fillTime(fill, at), bookOpen(opts, fill))
}

func (b *LiveBroker) OpenShort(ctx context.Context, symbol string, mark float64, reason string, at time.Time, opts account.OpenOptions) (*core.Trade, error) {
	if !opts.Market.SupportsShort() {
		return nil, core.NewSkip(core.SkipMarketUnsupported, "shorts need futures or margin, market is %s", opts.Market)
	}
	margin, err := b.entrySpend(symbol, mark, opts)
	if err != nil {
		return nil, err
	}
	fill, err := b.client.MarketSell(ctx, symbol, margin/mark)
	if err != nil {
		return nil, err
	}
	b.log.Infof("%s live short filled: qty %.8g at %.8g", symbol, fill.Quantity, fill.AvgPrice)
	return b.acct.OpenShort(symbol, fill.AvgPrice, reason, fillTime(fill, at), bookOpen(opts, fill))
}

func (b *LiveBroker) Close(ctx context.Context, symbol string, mark float64, reason string, exitReason core.ExitReason, at time.Time) (*core.Trade, error) {
	pos := b.acct.Position(symbol)
	if pos == nil {
		return nil, core.NewSkip(core.SkipNoPosition, "no position for %s", symbol)
	}
	intent := account.ExitIntent{
		Symbol:     symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Reason:     reason,
		ExitReason: exitReason,
	}
	return b.settle(ctx, intent, mark, at)
}

func (b *LiveBroker) CheckExits(ctx context.Context, symbol string, mark float64, at time.Time) ([]core.Trade, error) {
	intent, err := b.acct.PlanExit(symbol, mark, at, b.policy)
	if err != nil || intent == nil {
		return nil, err
	}
	t, err := b.settle(ctx, *intent, mark, at)
	if err != nil {
		return nil, err
	}
	return []core.Trade{*t}, nil
}

func (b *LiveBroker) DCAAdd(ctx context.Context, symbol string, mark, addUSDT float64, at time.Time) (*core.Trade, error) {
	pos := b.acct.Position(symbol)
	if pos == nil {
		return nil, core.NewSkip(core.SkipNoPosition, "no position for %s", symbol)
	}
	if addUSDT > b.acct.Cash() {
		return nil, core.NewSkip(core.SkipInsufficientFunds, "dca add %.2f, cash %.2f", addUSDT, b.acct.Cash())
	}

	var fill core.Fill
	var err error
	if pos.Side == core.SideShort {
		fill, err = b.client.MarketSell(ctx, symbol, addUSDT/mark)
	} else {
		fill, err = b.client.MarketBuy(ctx, symbol, addUSDT)
	}
	if err != nil {
		return nil, err
	}
	return b.acct.DCAAdd(symbol, fill.AvgPrice, fill.QuoteValue, fillTime(fill, at), fillExec(fill))
}

func (b *LiveBroker) Reduce(ctx context.Context, symbol string, mark, notionalUSDT float64, reason string, at time.Time) (*core.Trade, error) {
	pos := b.acct.Position(symbol)
	if pos == nil {
		return nil, core.NewSkip(core.SkipNoPosition, "no position for %s", symbol)
	}
	qty := notionalUSDT / mark
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	intent := account.ExitIntent{
		Symbol:     symbol,
		Side:       pos.Side,
		Quantity:   qty,
		Reason:     reason,
		ExitReason: core.ExitSignal,
	}
	return b.settle(ctx, intent, mark, at)
}

// settle executes an exit intent on the exchange and books the fill. Longs
// sell the base quantity directly; shorts buy back the equivalent quote at
// the current mark, with the ledger clamping any lot-step overshoot.
func (b *LiveBroker) settle(ctx context.Context, intent account.ExitIntent, mark float64, at time.Time) (*core.Trade, error) {
	var fill core.Fill
	var err error
	if intent.Side == core.SideShort {
		fill, err = b.client.MarketBuy(ctx, intent.Symbol, intent.Quantity*mark)
	} else {
		fill, err = b.client.MarketSell(ctx, intent.Symbol, intent.Quantity)
	}
	if err != nil {
		return nil, err
	}
	b.log.Infof("%s live exit filled: qty %.8g at %.8g (%s)", intent.Symbol, fill.Quantity, fill.AvgPrice, intent.ExitReason)
	return b.acct.SettleExit(intent, fill, fillTime(fill, at))
}

// entrySpend sizes one live entry and runs the pre-order checks the ledger
// would apply, so no order leaves for a trade the ledger will refuse.
func (b *LiveBroker) entrySpend(symbol string, mark float64, opts account.OpenOptions) (float64, error) {
	if pos := b.acct.Position(symbol); pos != nil {
		return 0, core.NewSkip(core.SkipPositionExists, "%s already has a position", symbol)
	}
	b.acct.SetMark(symbol, mark)

	equity := b.acct.Equity()
	if equity <= 0 {
		return 0, core.NewSkip(core.SkipEquityDepleted, "equity %.2f", equity)
	}
	spend := equity * opts.PositionRatio
	if opts.AbsoluteUSDT > 0 {
		spend = opts.AbsoluteUSDT
	}
	if spend < opts.MinOrderSize {
		return 0, core.NewSkip(core.SkipMinOrderSize, "%s spend %.2f below minimum %.2f", symbol, spend, opts.MinOrderSize)
	}
	if cash := b.acct.Cash(); spend > cash {
		return 0, core.NewSkip(core.SkipInsufficientFunds, "%s needs %.2f, cash %.2f", symbol, spend, cash)
	}
	return spend, nil
}

// bookOpen rewrites the sizing options so the ledger books exactly what the
// exchange executed: the fill's quote value is the spend, its fee replaces
// the simulated costs, and the minimum-size check is disarmed because the
// money has already moved. Protective levels still come from the caller's
// configuration, anchored at the real fill price.
func bookOpen(opts account.OpenOptions, fill core.Fill) account.OpenOptions {
	opts.ExecOptions = fillExec(fill)
	opts.AbsoluteUSDT = fill.QuoteValue
	opts.MinOrderSize = 0
	return opts
}

// fillExec derives ledger execution options from an exchange fill: the fee
// becomes a rate against the quote value, slippage and spread stay zero
// because the average fill price already includes them.
func fillExec(fill core.Fill) account.ExecOptions {
	var opts account.ExecOptions
	if fill.QuoteValue > 0 {
		opts.FeeRate = fill.Fee / fill.QuoteValue
	}
	return opts
}

func fillTime(fill core.Fill, fallback time.Time) time.Time {
	if !fill.At.IsZero() {
		return fill.At
	}
	return fallback
}
