package probe

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"pwnlink/agent/internal/model"
)

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober tests TCP reachability of a single host:port.
type Prober struct {
	dialer ContextDialer
}

func NewProber(dialer ContextDialer) *Prober {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Prober{dialer: dialer}
}

// Probe opens a TCP connection to host:port and closes it again right away.
// The dial races a timer; whichever side settles first decides the result.
// A connection that completes after the timer fired is closed and ignored.
func (p *Prober) Probe(ctx context.Context, host string, port int, timeout time.Duration) model.ProbeResult {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	settled := make(chan model.ProbeResult, 1)
	var once sync.Once
	settle := func(result model.ProbeResult) bool {
		won := false
		once.Do(func() {
			settled <- result
			won = true
		})
		return won
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	start := time.Now()
	go func() {
		conn, err := p.dialer.DialContext(dialCtx, "tcp", address)
		if err != nil {
			settle(model.ProbeResult{Port: port})
			return
		}
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		settle(model.ProbeResult{Port: port, Reachable: true, ElapsedMs: &elapsed})
		_ = conn.Close()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-settled:
		return result
	case <-timer.C:
		settle(model.ProbeResult{Port: port, TimedOut: true})
	case <-ctx.Done():
		settle(model.ProbeResult{Port: port, TimedOut: true})
	}
	return <-settled
}
