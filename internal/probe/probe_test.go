package probe

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackedConn struct {
	net.Conn
	closed *atomic.Bool
}

func (c trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

type fakeDialer struct {
	delay  time.Duration
	err    error
	closed atomic.Bool
	done   chan struct{}
}

func (d *fakeDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	defer func() {
		if d.done != nil {
			close(d.done)
		}
	}()
	if d.delay > 0 {
		// Ignores ctx on purpose to force a success after the timer fired.
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	_ = server.Close()
	return trackedConn{Conn: client, closed: &d.closed}, nil
}

func TestProbe_Reachable(t *testing.T) {
	dialer := &fakeDialer{done: make(chan struct{})}
	p := NewProber(dialer)

	result := p.Probe(context.Background(), "10.0.0.2", 22, time.Second)

	assert.True(t, result.Reachable)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 22, result.Port)
	require.NotNil(t, result.ElapsedMs)
	assert.GreaterOrEqual(t, *result.ElapsedMs, 0.0)

	<-dialer.done
	assert.Eventually(t, dialer.closed.Load, time.Second, 5*time.Millisecond, "probe socket must be released")
}

func TestProbe_Refused(t *testing.T) {
	p := NewProber(&fakeDialer{err: errors.New("connection refused")})

	result := p.Probe(context.Background(), "10.0.0.2", 80, time.Second)

	assert.False(t, result.Reachable)
	assert.False(t, result.TimedOut)
	assert.Nil(t, result.ElapsedMs)
}

func TestProbe_LateSuccessAfterTimeoutIsIgnored(t *testing.T) {
	dialer := &fakeDialer{delay: 150 * time.Millisecond, done: make(chan struct{})}
	p := NewProber(dialer)

	start := time.Now()
	result := p.Probe(context.Background(), "10.0.0.2", 22, 30*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, result.Reachable)
	assert.True(t, result.TimedOut)
	assert.Nil(t, result.ElapsedMs)
	assert.Less(t, elapsed, 120*time.Millisecond, "probe must not block past its timeout")

	// The late connection completes, is closed, and does not flip the result.
	<-dialer.done
	assert.Eventually(t, dialer.closed.Load, time.Second, 5*time.Millisecond)
	assert.False(t, result.Reachable)
}

func TestProbe_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	result := NewProber(nil).Probe(context.Background(), "127.0.0.1", port, time.Second)

	assert.True(t, result.Reachable)
	assert.Equal(t, port, result.Port)
}

func TestClassifyEchoError(t *testing.T) {
	assert.Equal(t, "timeout", classifyEchoError(context.DeadlineExceeded))
	assert.Equal(t, "permission denied", classifyEchoError(errors.New("listen ip4:icmp 0.0.0.0: socket: operation not permitted")))
	assert.Equal(t, "echo error", classifyEchoError(errors.New("boom")))
}
