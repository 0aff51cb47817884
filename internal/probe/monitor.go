package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/metrics"
	"pwnlink/agent/internal/model"
)

type PortProber interface {
	Probe(ctx context.Context, host string, port int, timeout time.Duration) model.ProbeResult
}

// ConfigFetcher reads the device configuration over a fresh remote session.
type ConfigFetcher interface {
	FetchConfig(ctx context.Context) (model.RemoteConfig, error)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type EchoProber interface {
	Echo(ctx context.Context, ip string) (float64, error)
}

type Options struct {
	Host        string
	Ports       []int
	PrimaryPort int
	Interval    time.Duration
	Timeout     time.Duration
	Resolver    Resolver
	Echo        EchoProber
	Logger      *zap.Logger
}

// Monitor probes the device ports on a fixed schedule and keeps State current.
// A remote config fetch runs once per reconnect: when the primary port comes
// up after the connection was lost.
type Monitor struct {
	opts    Options
	prober  PortProber
	fetcher ConfigFetcher
	state   *State
	logger  *zap.Logger

	busy     atomic.Bool
	lost     atomic.Bool
	fetching atomic.Bool
	lostGen  atomic.Uint64
	fetchWG  sync.WaitGroup

	// primaryUp and committed are only touched by the cycle holding busy.
	primaryUp bool
	committed map[int]bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewMonitor(state *State, prober PortProber, fetcher ConfigFetcher, opts Options) *Monitor {
	if len(opts.Ports) == 0 {
		opts.Ports = model.DevicePorts
	}
	if opts.PrimaryPort == 0 {
		opts.PrimaryPort = model.PortSSH
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	m := &Monitor{
		opts:    opts,
		prober:  prober,
		fetcher: fetcher,
		state:   state,
		logger:  logging.OrNop(opts.Logger),
	}
	m.lost.Store(true)
	return m
}

func (m *Monitor) State() *State {
	return m.state
}

func (m *Monitor) Endpoint() model.Endpoint {
	return model.Endpoint{Host: m.opts.Host, Ports: append([]int{}, m.opts.Ports...)}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("monitor already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	m.logger.Info("monitor start",
		zap.String("host", m.opts.Host),
		zap.Ints("ports", m.opts.Ports),
		zap.Duration("interval", m.opts.Interval),
		zap.Duration("timeout", m.opts.Timeout),
	)
	go m.loop(loopCtx, m.done)
	return nil
}

func (m *Monitor) Stop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	m.cancel()
	m.running = false
	done := m.done
	m.mu.Unlock()

	<-done
	m.fetchWG.Wait()
	m.logger.Info("monitor stopped")
	return true
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var cycles sync.WaitGroup
	defer cycles.Wait()

	spawn := func() {
		cycles.Add(1)
		go func() {
			defer cycles.Done()
			m.Tick(ctx)
		}()
	}

	spawn()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("monitor loop exited")
			return
		case <-ticker.C:
			spawn()
		}
	}
}

// Tick runs one probing cycle unless one is already in flight, in which case
// it returns false without waiting.
func (m *Monitor) Tick(ctx context.Context) bool {
	if !m.busy.CompareAndSwap(false, true) {
		metrics.RecordProbeCycle("skipped")
		m.logger.Debug("probe cycle skipped: previous cycle still running")
		return false
	}
	defer m.busy.Store(false)

	m.runCycle(ctx)
	return true
}

func (m *Monitor) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, 2*m.opts.Timeout)
	defer cancel()

	addrs, err := m.opts.Resolver.LookupHost(cycleCtx, m.opts.Host)
	if err != nil || len(addrs) == 0 {
		m.logger.Debug("resolve device host failed", zap.String("host", m.opts.Host), zap.Error(err))
		m.markUnreachable(nil)
		m.state.publish()
		metrics.RecordProbeCycle("failed")
		return
	}
	ip := addrs[0]
	m.committed = make(map[int]bool, len(m.opts.Ports))

	results := make(chan model.ProbeResult, len(m.opts.Ports))
	var g errgroup.Group
	for _, port := range m.opts.Ports {
		port := port
		g.Go(func() error {
			results <- m.prober.Probe(cycleCtx, ip, port, m.opts.Timeout)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	for result := range results {
		m.commit(ctx, result)
	}

	if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
		m.logger.Warn("probe cycle timed out", zap.String("host", m.opts.Host))
		m.markUnreachable(nil)
		m.state.publish()
		metrics.RecordProbeCycle("failed")
		return
	}

	if m.opts.Echo != nil && m.primaryUp {
		latency, err := m.opts.Echo.Echo(cycleCtx, ip)
		if err != nil {
			m.logger.Debug("icmp echo failed", zap.String("ip", ip), zap.String("reason", classifyEchoError(err)))
			m.state.setEcho(nil)
		} else {
			m.state.setEcho(&latency)
		}
	}

	m.state.publish()
	metrics.RecordProbeCycle("completed")
}

// commit applies one port result. Results arrive on the cycle goroutine, so
// commits never overlap.
func (m *Monitor) commit(ctx context.Context, result model.ProbeResult) {
	m.committed[result.Port] = result.Reachable
	m.state.setPort(result.Port, result.Reachable)
	metrics.SetPortReachable(result.Port, result.Reachable)

	if result.Port != m.opts.PrimaryPort {
		return
	}

	if !result.Reachable {
		if m.primaryUp {
			m.logger.Info("device unreachable", zap.String("host", m.opts.Host), zap.Bool("timed_out", result.TimedOut))
		}
		m.markUnreachable(m.committed)
		return
	}

	m.state.setPrimary(result.ElapsedMs)
	metrics.SetReachable(true)
	if result.ElapsedMs != nil {
		metrics.ObserveLatency(*result.ElapsedMs)
	}

	wasUp := m.primaryUp
	m.primaryUp = true
	if !wasUp {
		m.logger.Info("device reachable", zap.String("host", m.opts.Host), zap.Float64p("latency_ms", result.ElapsedMs))
		if m.lost.Load() {
			m.fetchConfig(ctx)
		}
	}
}

// markUnreachable clears latency and every port flag except the reachable
// ports in keep, which hold results already committed this cycle.
func (m *Monitor) markUnreachable(keep map[int]bool) {
	m.primaryUp = false
	m.lostGen.Add(1)
	m.lost.Store(true)
	m.state.reset()
	metrics.SetReachable(false)
	for _, port := range m.opts.Ports {
		up := keep[port]
		if up {
			m.state.setPort(port, true)
		}
		metrics.SetPortReachable(port, up)
	}
}

func (m *Monitor) fetchConfig(ctx context.Context) {
	if m.fetcher == nil {
		return
	}
	if !m.fetching.CompareAndSwap(false, true) {
		return
	}

	gen := m.lostGen.Load()
	m.fetchWG.Add(1)
	go func() {
		defer m.fetchWG.Done()
		defer m.fetching.Store(false)

		cfg, err := m.fetcher.FetchConfig(ctx)
		if err != nil {
			m.logger.Warn("remote config fetch failed, retrying on next reconnect", zap.Error(err))
			metrics.RecordConfigFetch("failed")
			m.state.setConfigFailed()
			m.state.publish()
			return
		}

		// A drop during the fetch keeps the lost flag so the next edge refetches.
		if m.lostGen.Load() == gen {
			m.lost.Store(false)
		}
		m.state.setConfig(cfg)
		m.state.publish()
		metrics.RecordConfigFetch("succeeded")
		m.logger.Info("remote config loaded", zap.String("device_name", cfg.DeviceName))
	}()
}

// WaitConfigFetch blocks until no config fetch is in flight.
func (m *Monitor) WaitConfigFetch() {
	m.fetchWG.Wait()
}
