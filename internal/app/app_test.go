package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"cicada/internal/btp"
	"cicada/internal/config"
	"cicada/internal/handlers"
	"cicada/internal/psk"
	"cicada/internal/testutils/btppeer"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, peer *btppeer.Peer) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.ILP.BTPServerURL = peer.URL("client", "token")
	cfg.ILP.SPSPServerURL = "https://cicada.example"
	cfg.ILP.ReconnectWait = 1
	cfg.ILP.PingInterval = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

type running struct {
	app    *App
	base   string
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	a, err := New(cfg, logger)
	require.NoError(t, err)
	require.Nil(t, a.NATSClient)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: a, base: "http://" + ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	})
	require.Eventually(t, a.Plugin.IsConnected, 2*time.Second, 10*time.Millisecond)
	return r
}

func spspQuery(t *testing.T, base string) handlers.SPSPResponse {
	t.Helper()
	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body handlers.SPSPResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestApp_PaysThroughSPSP(t *testing.T) {
	peer := btppeer.New(t)
	r := start(t, testConfig(t, peer))

	body := spspQuery(t, r.base)
	require.Equal(t, "XRP", body.LedgerInfo.CurrencyCode)

	shared, err := base64.RawURLEncoding.DecodeString(body.SharedSecret)
	require.NoError(t, err)
	req := &psk.PaymentRequest{DestinationAccount: body.DestinationAccount}
	copy(req.SharedSecret[:], shared)
	packet, condition, err := req.Quote(1000, []byte("invoice 7"))
	require.NoError(t, err)

	id := uuid.New()
	peer.SendPrepare(id, 1000, condition, time.Now().Add(30*time.Second), packet)
	fulfill, ok := peer.Next(btp.TypeFulfill, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, id, fulfill.TransferID)

	resp, err := http.Get(r.base + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_ReconnectsAfterConnectionLoss(t *testing.T) {
	peer := btppeer.New(t)
	r := start(t, testConfig(t, peer))

	peer.DropClient()
	require.Eventually(t, func() bool { return !r.app.Plugin.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, r.app.Plugin.IsConnected, 5*time.Second, 20*time.Millisecond)

	// the receiver is listening on the new connection
	body := spspQuery(t, r.base)
	shared, err := base64.RawURLEncoding.DecodeString(body.SharedSecret)
	require.NoError(t, err)
	req := &psk.PaymentRequest{DestinationAccount: body.DestinationAccount}
	copy(req.SharedSecret[:], shared)
	packet, condition, err := req.Quote(1, nil)
	require.NoError(t, err)

	id := uuid.New()
	peer.SendPrepare(id, 1, condition, time.Time{}, packet)
	require.Eventually(t, func() bool { return len(peer.Fulfills(id)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestApp_ConnectionLossIsFatalWithoutReconnectWait(t *testing.T) {
	peer := btppeer.New(t)
	cfg := testConfig(t, peer)
	cfg.ILP.ReconnectWait = 0
	r := start(t, cfg)

	peer.DropClient()
	select {
	case err := <-r.done:
		require.ErrorIs(t, err, psk.ErrPluginDisconnected)
		r.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("app kept running")
	}
}

func TestApp_CleanShutdown(t *testing.T) {
	peer := btppeer.New(t)
	r := start(t, testConfig(t, peer))
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
		r.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	require.Eventually(t, func() bool { return !r.app.Plugin.IsConnected() }, 2*time.Second, 10*time.Millisecond)
}
