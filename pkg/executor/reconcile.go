package executor

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/velabot/vela/pkg/core"
)

// ReconcileStatus is the overall verdict of one reconciliation pass.
type ReconcileStatus string

const (
	ReconcileOK       ReconcileStatus = "ok"
	ReconcileWarning  ReconcileStatus = "warning"
	ReconcileCritical ReconcileStatus = "critical"
)

// Mismatch kinds.
const (
	// MismatchMissingExchange is a position the ledger holds that the
	// exchange does not. The ledger is managing exits for inventory that no
	// longer exists, so this is always critical.
	MismatchMissingExchange = "missing_exchange"

	// MismatchMissingLocal is exchange inventory with no local position.
	// Another scenario or manual trading can legitimately hold it, so it
	// only warns.
	MismatchMissingLocal = "missing_local"

	// MismatchQuantity is a size drift between the two above the warning
	// threshold.
	MismatchQuantity = "qty_mismatch"
)

// Quantity drift thresholds, in percent of the local quantity. Drift at or
// below the warning line is normal fill rounding and not reported.
const (
	driftWarnPct     = 5.0
	driftCriticalPct = 10.0
)

// Mismatch is one divergence between the ledger and the exchange.
type Mismatch struct {
	Kind        string
	Symbol      string
	LocalQty    float64
	ExchangeQty float64
	DriftPct    float64
	Severity    ReconcileStatus
}

func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchQuantity:
		return fmt.Sprintf("%s %s local %.8g vs exchange %.8g (%.1f%% drift)",
			m.Symbol, m.Kind, m.LocalQty, m.ExchangeQty, m.DriftPct)
	case MismatchMissingExchange:
		return fmt.Sprintf("%s %s local %.8g", m.Symbol, m.Kind, m.LocalQty)
	default:
		return fmt.Sprintf("%s %s exchange %.8g", m.Symbol, m.Kind, m.ExchangeQty)
	}
}

// ReconcileReport is the outcome of comparing local positions against the
// exchange at one instant.
type ReconcileReport struct {
	At         time.Time
	Checked    int
	Mismatches []Mismatch
	Status     ReconcileStatus
}

func (r *ReconcileReport) add(m Mismatch) {
	r.Mismatches = append(r.Mismatches, m)
	if rankStatus(m.Severity) > rankStatus(r.Status) {
		r.Status = m.Severity
	}
}

func rankStatus(s ReconcileStatus) int {
	switch s {
	case ReconcileCritical:
		return 2
	case ReconcileWarning:
		return 1
	default:
		return 0
	}
}

func (r *ReconcileReport) String() string {
	if len(r.Mismatches) == 0 {
		return fmt.Sprintf("%d positions reconciled, no drift", r.Checked)
	}
	parts := make([]string, len(r.Mismatches))
	for i, m := range r.Mismatches {
		parts[i] = m.String()
	}
	return fmt.Sprintf("%s: %s", r.Status, strings.Join(parts, "; "))
}

// Reconcile compares the ledger's open positions against the exchange's.
// Quantities are the only dimension compared: spot holdings carry no entry
// price on the exchange side, and price drift is already visible as PnL. A
// side conflict on the same symbol counts as missing in both directions.
func Reconcile(local []core.Position, remote []core.ExchangePosition, at time.Time) *ReconcileReport {
	report := &ReconcileReport{At: at, Checked: len(local), Status: ReconcileOK}

	bySymbol := make(map[string]core.ExchangePosition, len(remote))
	for _, p := range remote {
		bySymbol[p.Symbol] = p
	}

	matched := make(map[string]bool, len(local))
	for _, pos := range local {
		rp, ok := bySymbol[pos.Symbol]
		if !ok || rp.Side != pos.Side {
			report.add(Mismatch{
				Kind:     MismatchMissingExchange,
				Symbol:   pos.Symbol,
				LocalQty: pos.Quantity,
				Severity: ReconcileCritical,
			})
			continue
		}
		matched[pos.Symbol] = true

		if pos.Quantity <= 0 {
			continue
		}
		drift := math.Abs(pos.Quantity-rp.Quantity) / pos.Quantity * 100
		if drift <= driftWarnPct {
			continue
		}
		severity := ReconcileWarning
		if drift > driftCriticalPct {
			severity = ReconcileCritical
		}
		report.add(Mismatch{
			Kind:        MismatchQuantity,
			Symbol:      pos.Symbol,
			LocalQty:    pos.Quantity,
			ExchangeQty: rp.Quantity,
			DriftPct:    drift,
			Severity:    severity,
		})
	}

	for _, rp := range remote {
		if matched[rp.Symbol] {
			continue
		}
		report.add(Mismatch{
			Kind:        MismatchMissingLocal,
			Symbol:      rp.Symbol,
			ExchangeQty: rp.Quantity,
			Severity:    ReconcileWarning,
		})
	}
	return report
}
