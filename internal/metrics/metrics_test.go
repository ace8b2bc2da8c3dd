package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersBeforeSetup(t *testing.T) {
	// Nothing is registered yet; the helpers must not panic
	OrderPlaced("ACME", "BUY")
	OrderRejected("invalid")
	TradeExecuted("ACME", 3)
	PlaceOrderTimer()()
}

func TestSetupAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Setup(reg))
	assert.Error(t, Setup(reg))

	OrderPlaced("ACME", "BUY")
	OrderPlaced("ACME", "BUY")
	TradeExecuted("ACME", 7)
	InvariantViolation("reconcile")
	PlaceOrderTimer()()

	assert.Equal(t, 2.0, testutil.ToFloat64(ordersPlaced.WithLabelValues("ACME", "BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tradesTotal.WithLabelValues("ACME")))
	assert.Equal(t, 7.0, testutil.ToFloat64(tradedQuantity.WithLabelValues("ACME")))

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "exchange_invariant_violations_total")
}
