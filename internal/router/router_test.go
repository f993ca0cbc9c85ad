package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cicada/internal/config"
	"cicada/internal/ledger"
	"cicada/internal/psk"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T, mutate func(*config.Config)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.ILP.SPSPServerURL = "https://cicada.example"
	if mutate != nil {
		mutate(cfg)
	}
	secret, err := psk.NewSecret()
	require.NoError(t, err)
	plugin := ledger.NewBTPPlugin(ledger.BTPPluginConfig{
		Info: ledger.Info{Prefix: "test.blah.", CurrencyCode: "XRP", CurrencyScale: 6},
	}, logger)

	return SetupRouter(Dependencies{
		Config:  cfg,
		Plugin:  plugin,
		Secret:  secret,
		Tracker: psk.NewTracker(0),
		Logger:  logger,
	})
}

func do(r *gin.Engine, method, target, remote, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicRoutes(t *testing.T) {
	r := testRouter(t, nil)

	w := do(r, http.MethodGet, "/", "", "https://wallet.example")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Body.String(), `"destination_account":"test.blah.client.`)

	w = do(r, http.MethodGet, "/.well-known/webfinger?resource=acct:a@b", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "test.blah.client")

	w = do(r, http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","service":"cicada","ledger_connected":false}`, w.Body.String())

	w = do(r, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "cicada_btp_connection_status")

	w = do(r, http.MethodGet, "/nope", "", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), `"code":"NOT_FOUND"`)
}

func TestRouter_Preflight(t *testing.T) {
	r := testRouter(t, nil)
	w := do(r, http.MethodOptions, "/", "", "https://wallet.example")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestRouter_RestrictedCORS(t *testing.T) {
	r := testRouter(t, func(cfg *config.Config) {
		cfg.CORS.AllowedOrigins = []string{"https://wallet.example"}
	})
	w := do(r, http.MethodGet, "/", "", "https://wallet.example")
	require.Equal(t, "https://wallet.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(r, http.MethodGet, "/", "", "https://evil.example")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_AdminStatus(t *testing.T) {
	r := testRouter(t, func(cfg *config.Config) {
		cfg.Admin.AllowedIPs = []string{"198.51.100.0/24"}
	})
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/admin/status", "127.0.0.1:1234", "").Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/admin/status", "198.51.100.9:1234", "").Code)
	require.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/admin/status", "203.0.113.5:1234", "").Code)
}
