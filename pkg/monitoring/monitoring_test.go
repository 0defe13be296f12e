package monitoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/velabot/vela/pkg/core"
	zerologger "github.com/velabot/vela/pkg/logger/zerolog"
)

var t0 = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func TestRecordTradeAndReturn(t *testing.T) {
	RecordTrade("mon-a", "BTCUSDT", "buy")
	RecordTrade("mon-a", "BTCUSDT", "buy")
	RecordTrade("mon-a", "BTCUSDT", "sell")

	require.Equal(t, 2.0, testutil.ToFloat64(tradesTotal.WithLabelValues("mon-a", "BTCUSDT", "buy")))
	require.Equal(t, 1.0, testutil.ToFloat64(tradesTotal.WithLabelValues("mon-a", "BTCUSDT", "sell")))

	ObserveTradeReturn("mon-a", -0.02)
	require.GreaterOrEqual(t, testutil.CollectAndCount(tradeReturns), 1)
}

func TestUpdateAccountGauges(t *testing.T) {
	UpdateAccount("mon-b", 10500.5, 9000.25, 3, true)

	require.Equal(t, 10500.5, testutil.ToFloat64(equity.WithLabelValues("mon-b")))
	require.Equal(t, 9000.25, testutil.ToFloat64(cashBalance.WithLabelValues("mon-b")))
	require.Equal(t, 3.0, testutil.ToFloat64(openPositions.WithLabelValues("mon-b")))
	require.Equal(t, 1.0, testutil.ToFloat64(scenarioPaused.WithLabelValues("mon-b")))

	UpdateAccount("mon-b", 10500.5, 9000.25, 3, false)
	require.Equal(t, 0.0, testutil.ToFloat64(scenarioPaused.WithLabelValues("mon-b")))
}

func TestNotifierAdaptsEvents(t *testing.T) {
	pct := -0.05
	pnl := -50.0
	n := Notifier{Scenario: "mon-c"}

	n.OnTrade(core.Trade{
		Symbol: "ETHUSDT", Side: core.SignalSell, Quantity: 1, Price: 950,
		ExitReason: core.ExitStopLoss, PnL: &pnl, PnLPct: &pct,
	})

	require.Equal(t, 1.0, testutil.ToFloat64(tradesTotal.WithLabelValues("mon-c", "ETHUSDT", "sell")))
	require.Equal(t, 950.0, testutil.ToFloat64(lastPrice.WithLabelValues("ETHUSDT")))

	n.OnError(fmt.Errorf("%w: order rejected", core.ErrExchangeTransient))
	n.OnError(errors.New("feed gap"))

	require.Equal(t, 1.0, testutil.ToFloat64(errorsTotal.WithLabelValues("mon-c", "exchange_transient")))
	require.Equal(t, 1.0, testutil.ToFloat64(errorsTotal.WithLabelValues("mon-c", "other")))
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{core.ErrExchangeFatal, "exchange_fatal"},
		{fmt.Errorf("%w: 502", core.ErrExchangeTransient), "exchange_transient"},
		{fmt.Errorf("%w: BTCUSDT drift", core.ErrReconcileCritical), "reconcile"},
		{core.NewConfigError("bad mode"), "config"},
		{errors.New("anything else"), "other"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, errorKind(tc.err), tc.err.Error())
	}
}

func probe(t *testing.T, h *HealthChecker) (int, HealthStatus) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return rec.Code, status
}

func TestHealthLifecycle(t *testing.T) {
	now := t0
	h := NewHealthChecker(time.Hour)
	h.now = func() time.Time { return now }

	code, status := probe(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", status.Status)

	h.SetConnected(true)
	h.MarkBar(t0)
	code, status = probe(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", status.Status)
	require.True(t, status.IsConnected)

	h.AddError("order rejected")
	now = t0.Add(time.Minute)
	code, status = probe(t, h)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "unhealthy", status.Status)
	require.Contains(t, status.Errors, "order rejected")

	// The error ages out of the probe but stays in the payload.
	now = t0.Add(20 * time.Minute)
	code, status = probe(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", status.Status)
	require.Contains(t, status.Errors, "order rejected")

	// No bar for longer than the stale window.
	now = t0.Add(2 * time.Hour)
	code, status = probe(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", status.Status)
}

func TestHealthErrorListCap(t *testing.T) {
	h := NewHealthChecker(0)
	for i := 0; i < healthMaxErrors+2; i++ {
		h.AddError(fmt.Sprintf("err-%d", i))
	}

	_, status := probe(t, h)
	require.Len(t, status.Errors, healthMaxErrors)
	require.Equal(t, "err-2", status.Errors[0])
}

func TestServerRoutes(t *testing.T) {
	RecordTrade("mon-srv", "BTCUSDT", "buy")

	s := NewServer("127.0.0.1:0", NewHealthChecker(0), zerologger.Nop())
	require.NotNil(t, s.Health())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "vela_trades_total")

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
