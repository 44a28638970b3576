package service

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/storage"
	"github.com/danmuck/debuglink/internal/testutil/testlog"
	"github.com/danmuck/debuglink/internal/transport/grpclink"
	"github.com/danmuck/debuglink/internal/transport/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	pin := "4321"
	cfg := DefaultConfig()
	cfg.DeviceID = "device.test"
	cfg.StoragePath = filepath.Join(t.TempDir(), "device.db")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.Provision = &storage.Provision{PIN: &pin, PassphraseProtection: true}
	return cfg
}

// run starts rt and returns a stop func that waits for Run to return.
func run(t *testing.T, rt *Runtime) func() error {
	t.Helper()
	require.NoError(t, rt.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("runtime did not stop")
		}
	}
}

func TestRuntimeServesEverySurface(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	stop := run(t, rt)

	c, err := session.Dial(ctx, rt.Addr().String(), session.DefaultConfig(), nil)
	require.NoError(t, err)
	resp, err := c.Call(ctx, &protocol.GetState{})
	require.NoError(t, err)
	state, ok := resp.(*protocol.State)
	require.True(t, ok, "reply %T", resp)
	assert.True(t, state.HasPIN)
	assert.Equal(t, "4321", state.PIN)
	assert.False(t, state.HasMnemonic)
	assert.True(t, state.PassphraseProtection)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		events, err := rt.Store.RecentEvents(ctx, 10)
		if err != nil || len(events) == 0 {
			return false
		}
		return events[0].MessageType == uint32(protocol.MessageGetState) && events[0].Outcome == storage.OutcomeOK
	}, 3*time.Second, 20*time.Millisecond)

	res, err := http.Get("http://" + rt.AdminAddr().String() + "/health")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	g, err := grpclink.Dial(ctx, rt.GRPCAddr().String(), session.DefaultConfig(), nil)
	require.NoError(t, err)
	resp, err = g.Call(ctx, &protocol.MemoryRead{Address: 0x20000000, Length: 4})
	require.NoError(t, err)
	assert.Len(t, resp.(*protocol.Memory).Data, 4)
	require.Eventually(t, func() bool { return rt.ActiveSessions() == 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, g.Close())

	require.NoError(t, stop())
}

func TestRuntimeWithoutDebugRejectsRequests(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig(t)
	cfg.Debug = false
	cfg.GRPCAddr = ""
	cfg.AdminAddr = ""
	rt, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.Empty(t, rt.Registry.Types())
	stop := run(t, rt)

	c, err := session.Dial(ctx, rt.Addr().String(), session.DefaultConfig(), nil)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Call(ctx, &protocol.GetState{})
	var failure *protocol.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, protocol.FailureUnexpectedMessage, failure.Code)

	require.NoError(t, stop())
}

func TestRuntimeRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Codec = "xml"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Session.SecurityMode = session.SecurityModeProduction
	_, err = New(context.Background(), cfg)
	require.ErrorIs(t, err, session.ErrTLSRequired)
}

func TestRunBeforeListen(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	rt, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Store.Close()
	assert.ErrorIs(t, rt.Run(context.Background()), ErrNotListening)
}
