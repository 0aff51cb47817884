package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ICMPEcho measures round-trip latency with a raw ICMP echo. It needs
// CAP_NET_RAW (or root) and is therefore opt-in.
type ICMPEcho struct {
	timeout     time.Duration
	payloadSize int
	seq         atomic.Uint32
}

func NewICMPEcho(timeout time.Duration) *ICMPEcho {
	return &ICMPEcho{timeout: timeout, payloadSize: 56}
}

func (e *ICMPEcho) Echo(ctx context.Context, ip string) (float64, error) {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil || parsedIP.To4() == nil {
		return 0, fmt.Errorf("invalid ipv4 target %q", ip)
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	seq := int(e.seq.Add(1) % 65535)
	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: bytes.Repeat([]byte{0x42}, e.payloadSize),
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, &net.IPAddr{IP: parsedIP}); err != nil {
		return 0, err
	}

	buffer := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buffer)
		if err != nil {
			return 0, err
		}
		parsed, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buffer[:n])
		if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || echo.ID != id || echo.Seq != seq {
			continue
		}
		return float64(time.Since(start).Microseconds()) / 1000, nil
	}
}

func classifyEchoError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	errText := strings.ToLower(err.Error())
	if strings.Contains(errText, "operation not permitted") || strings.Contains(errText, "permission") {
		return "permission denied"
	}
	return "echo error"
}
