package probe

import (
	"sync"
	"time"

	"pwnlink/agent/internal/model"
)

// Snapshot is the value handed to readers of State.
type Snapshot struct {
	Connectivity model.ConnectivityState `json:"connectivity"`
	Config       *model.RemoteConfig     `json:"config,omitempty"`
}

// State owns the connectivity and remote-config values. The monitor is the
// only writer; readers get copies.
type State struct {
	mu        sync.RWMutex
	ports     []int
	conn      model.ConnectivityState
	cfg       model.RemoteConfig
	hasConfig bool

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

func NewState(ports []int) *State {
	s := &State{
		ports: append([]int{}, ports...),
		subs:  map[int]chan Snapshot{},
	}
	s.conn.Ports = s.emptyPorts()
	return s
}

func (s *State) Connectivity() model.ConnectivityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Clone()
}

func (s *State) RemoteConfig() (model.RemoteConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.hasConfig
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Connectivity: s.conn.Clone()}
	if s.hasConfig {
		cfg := s.cfg
		snap.Config = &cfg
	}
	return snap
}

// Subscribe returns a channel that always holds the most recent published
// snapshot. Slow readers miss intermediate values, never the latest one.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

func (s *State) publish() {
	snap := s.Snapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *State) setPort(port int, reachable bool) {
	s.mu.Lock()
	s.conn.Ports[port] = reachable
	s.conn.CheckedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *State) setPrimary(latencyMs *float64) {
	s.mu.Lock()
	s.conn.Reachable = true
	if latencyMs != nil {
		v := *latencyMs
		s.conn.LatencyMs = &v
	}
	s.mu.Unlock()
}

func (s *State) setEcho(latencyMs *float64) {
	s.mu.Lock()
	s.conn.EchoLatencyMs = latencyMs
	s.mu.Unlock()
}

// reset returns the connectivity value to unreachable: no latency, every port
// down. The remote config is kept until the next successful fetch.
func (s *State) reset() {
	s.mu.Lock()
	s.conn.Reachable = false
	s.conn.LatencyMs = nil
	s.conn.EchoLatencyMs = nil
	s.conn.Ports = s.emptyPorts()
	s.conn.CheckedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *State) setConfig(cfg model.RemoteConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.hasConfig = true
	s.conn.LastConfigFetchSucceeded = true
	s.mu.Unlock()
}

func (s *State) setConfigFailed() {
	s.mu.Lock()
	s.conn.LastConfigFetchSucceeded = false
	s.mu.Unlock()
}

func (s *State) emptyPorts() map[int]bool {
	ports := make(map[int]bool, len(s.ports))
	for _, port := range s.ports {
		ports[port] = false
	}
	return ports
}
