package netutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialWithRetrySucceedsImmediatelyWhenListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := DialWithRetry(ctx, "tcp", l.Addr().String(), 10*time.Millisecond)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestDialWithRetryRetriesUntilListenerAppears(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ready := make(chan struct{})
	go func() {
		time.Sleep(60 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			close(ready)
			return
		}
		defer l.Close()
		close(ready)
		conn, err := l.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	conn, err := DialWithRetry(ctx, "tcp", addr, 10*time.Millisecond)
	<-ready
	require.NoError(t, err)
	_ = conn.Close()
}

func TestDialWithRetryStopsOnContextCancel(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := DialWithRetry(ctx, "tcp", addr, 10*time.Millisecond)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("DialWithRetry did not return after context cancellation")
	}
}
