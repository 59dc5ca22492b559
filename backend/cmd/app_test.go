package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStopsOnCancel(t *testing.T) {
	out := &bytes.Buffer{}
	logger := zerolog.New(out)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &logger, relayOpts{apiListenAddr: "127.0.0.1:0", wsListenAddr: "127.0.0.1:0"})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Contains(t, out.String(), `"sessions":0`)
	assert.Contains(t, out.String(), "relay stopped")
}

func TestRunFailsOnBusyAddr(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	logger := zerolog.Nop()
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), &logger, relayOpts{apiListenAddr: l.Addr().String(), wsListenAddr: "127.0.0.1:0"})
	}()

	select {
	case err = <-done:
		assert.ErrorIs(t, err, ErrServer)
	case <-time.After(15 * time.Second):
		t.Fatal("relay did not report the busy listener")
	}
}
