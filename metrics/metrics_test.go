package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Artfain/uav-ledger/core"
)

func TestOnBlock(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.OnBlock(core.Block{Index: 4, Transactions: []core.Transaction{
		{Type: core.TxRegister}, {Type: core.TxAuthenticate}, {Type: core.TxAuthenticate},
	}})
	require.Equal(t, 1.0, testutil.ToFloat64(m.blocks))
	require.Equal(t, 4.0, testutil.ToFloat64(m.height))
	require.Equal(t, 2.0, testutil.ToFloat64(m.transactions.WithLabelValues("AUTHENTICATE")))
}

func TestOperationOutcome(t *testing.T) {
	m := New(nil)
	m.Operation("authenticate", nil)
	m.Operation("authenticate", core.ErrReplayedNonce)
	m.Operation("authenticate", errors.New("boom"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("authenticate", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("authenticate", "replayed_nonce")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("authenticate", "internal")))
}

func TestWrapHandlerAndExposition(t *testing.T) {
	m := New(nil)
	h := m.WrapHandler("/teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot", nil))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/teapot", "418")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "uavledger_http_requests_total"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.OnBlock(core.Block{})
	m.Operation("register", nil)
	m.SetPending(3)
	rec := httptest.NewRecorder()
	m.WrapHandler("/", http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
