package proxy

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/dispatch"
	"github.com/harryaskham/io-mcp/internal/gateway"
	"github.com/harryaskham/io-mcp/internal/logging"
	"github.com/harryaskham/io-mcp/internal/session"
	"github.com/harryaskham/io-mcp/internal/tts"
)

// startBroker boots a minimal broker for the proxy to forward to.
func startBroker(t *testing.T) (string, *session.Registry) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Port = 0
	cfg.TTS.Disabled = true

	b := bus.NewBus(64, logging.Nop())
	t.Cleanup(b.Shutdown)
	reg := session.NewRegistry(b, 200, time.Minute, logging.Nop())
	engine := tts.NewEngine(cfg.TTS, t.TempDir(), b, logging.Nop())
	reg.SetSpeaker(engine)
	d := dispatch.New(reg, engine, cfg, logging.Nop())
	srv := gateway.New(cfg.Gateway, d, reg, engine, b, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)
	<-srv.Ready()
	return srv.Addr(), reg
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// An agent connected through the proxy completes a tool call against
// the broker behind it.
func TestProxyRelaysToolCalls(t *testing.T) {
	brokerAddr, reg := startBroker(t)
	proxyAddr := freePort(t)

	p := New(proxyAddr, "ws://"+brokerAddr+"/ws", logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Start(ctx)

	// Wait for the proxy to come up.
	var conn *gateway.ClientConn
	require.Eventually(t, func() bool {
		var err error
		conn, err = gateway.Dial(ctx, "ws://"+proxyAddr+"/ws", gateway.AgentInfo{InstanceID: "via-proxy"}, "")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
	defer conn.Close()

	assert.Equal(t, "via-proxy", conn.Hello.SessionID)

	payload, err := conn.Call(ctx, "check_inbox", nil)
	require.NoError(t, err)
	var res struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(payload, &res))
	assert.True(t, res.OK)

	assert.NotNil(t, reg.Get("via-proxy"))
}
