// Package agent ties the connectivity monitor, the sync engine and the local
// record catalog together behind one service used by the API and the CLI.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"pwnlink/agent/internal/localfs"
	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/metrics"
	"pwnlink/agent/internal/model"
	"pwnlink/agent/internal/probe"
	"pwnlink/agent/internal/records"
	"pwnlink/agent/internal/store"
	"pwnlink/agent/internal/syncer"
	"pwnlink/agent/internal/telemetry"
)

const (
	recentRunsLimit = 50
	historyTimeout  = 5 * time.Second
)

var (
	ErrNotReachable = errors.New("device is not reachable")
	ErrSyncRunning  = errors.New("a sync pass is already running")
	ErrNotJSON      = errors.New("file is not a JSON document")
)

type Downloader interface {
	Download(ctx context.Context, remoteDir string, maxCount int, onProgress syncer.ProgressFunc) (int, error)
}

// History persists sync runs and connectivity changes. It is optional.
type History interface {
	InsertSyncRun(ctx context.Context, run model.SyncRun) error
	FinishSyncRun(ctx context.Context, run model.SyncRun) error
	ListSyncRuns(ctx context.Context, query store.SyncRunQuery) ([]model.SyncRun, int64, error)
	GetSyncRun(ctx context.Context, id string) (model.SyncRun, error)
	RecordConnectivityEvent(ctx context.Context, event model.ConnectivityEvent) error
}

type Publisher interface {
	Publish(eventType string, data any)
}

type Options struct {
	RemoteDir string
	MaxCount  int
	History   History
	Events    Publisher
	Logger    *zap.Logger
}

type SyncRequest struct {
	MaxCount *int `json:"max_count,omitempty"`
}

type SyncProgress struct {
	RunID      string `json:"run_id"`
	Downloaded int    `json:"downloaded"`
	Total      int    `json:"total"`
}

type Service struct {
	state      *probe.State
	downloader Downloader
	catalog    *records.Catalog
	local      *localfs.Store
	history    History
	events     Publisher
	remoteDir  string
	maxCount   int
	logger     *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	current *model.SyncRun
	cancel  context.CancelFunc
	done    chan struct{}
	last    *model.SyncRun
	recent  []model.SyncRun
}

func NewService(state *probe.State, downloader Downloader, catalog *records.Catalog, local *localfs.Store, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		state:      state,
		downloader: downloader,
		catalog:    catalog,
		local:      local,
		history:    opts.History,
		events:     opts.Events,
		remoteDir:  opts.RemoteDir,
		maxCount:   opts.MaxCount,
		logger:     logging.OrNop(opts.Logger),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

func (s *Service) Connectivity() model.ConnectivityState {
	return s.state.Connectivity()
}

func (s *Service) RemoteConfig() (model.RemoteConfig, bool) {
	return s.state.RemoteConfig()
}

// StartSync begins a sync pass in the background and returns the new run.
// The pass outlives ctx; use CancelSync to stop it.
func (s *Service) StartSync(ctx context.Context, req SyncRequest) (model.SyncRun, error) {
	run, runCtx, cancel, done, err := s.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return model.SyncRun{}, err
	}
	go func() { _, _ = s.execute(runCtx, cancel, done, run, nil) }()
	return run, nil
}

// Sync runs one pass and blocks until it ends. It returns the number of saved
// files; a cancelled pass returns syncer.ErrCancelled with the count so far.
// onProgress, when set, is called after every saved file.
func (s *Service) Sync(ctx context.Context, req SyncRequest, onProgress syncer.ProgressFunc) (int, error) {
	run, runCtx, cancel, done, err := s.begin(ctx, req)
	if err != nil {
		return 0, err
	}
	finished, err := s.execute(runCtx, cancel, done, run, onProgress)
	return finished.Downloaded, err
}

func (s *Service) begin(parent context.Context, req SyncRequest) (model.SyncRun, context.Context, context.CancelFunc, chan struct{}, error) {
	if !s.state.Connectivity().Reachable {
		return model.SyncRun{}, nil, nil, nil, ErrNotReachable
	}
	maxCount := s.maxCount
	if req.MaxCount != nil {
		if *req.MaxCount < 0 {
			return model.SyncRun{}, nil, nil, nil, fmt.Errorf("max_count must be >= 0")
		}
		maxCount = *req.MaxCount
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return model.SyncRun{}, nil, nil, nil, ErrSyncRunning
	}
	run := model.SyncRun{
		ID:        uuid.NewString(),
		Status:    model.SyncRunning,
		RemoteDir: s.remoteDir,
		MaxCount:  maxCount,
		StartedAt: time.Now().UTC(),
	}
	runCtx, cancel := context.WithCancel(parent)
	stopOnClose := context.AfterFunc(s.baseCtx, cancel)
	done := make(chan struct{})
	current := run
	s.current = &current
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("sync run started", zap.String("run_id", run.ID), zap.String("remote_dir", run.RemoteDir), zap.Int("max_count", maxCount))
	s.withHistory(parent, "insert sync run", func(hctx context.Context) error {
		return s.history.InsertSyncRun(hctx, run)
	})

	return run, runCtx, func() {
		stopOnClose()
		cancel()
	}, done, nil
}

func (s *Service) execute(ctx context.Context, cancel context.CancelFunc, done chan struct{}, run model.SyncRun, onProgress syncer.ProgressFunc) (model.SyncRun, error) {
	defer close(done)
	defer cancel()

	downloaded, err := s.downloader.Download(ctx, run.RemoteDir, run.MaxCount, func(n, total int) {
		s.mu.Lock()
		if s.current != nil && s.current.ID == run.ID {
			s.current.Downloaded = n
			s.current.Total = total
		}
		s.mu.Unlock()
		s.publish(telemetry.EventSyncProgress, SyncProgress{RunID: run.ID, Downloaded: n, Total: total})
		if onProgress != nil {
			onProgress(n, total)
		}
	})

	s.mu.Lock()
	if s.current != nil {
		run.Total = s.current.Total
	}
	run.Downloaded = downloaded
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	switch {
	case err == nil:
		run.Status = model.SyncSucceeded
	case errors.Is(err, syncer.ErrCancelled):
		run.Status = model.SyncCancelled
	default:
		run.Status = model.SyncFailed
		run.Error = err.Error()
	}
	last := run
	s.last = &last
	s.current = nil
	s.cancel = nil
	s.recent = append([]model.SyncRun{run}, s.recent...)
	if len(s.recent) > recentRunsLimit {
		s.recent = s.recent[:recentRunsLimit]
	}
	s.mu.Unlock()

	s.catalog.Invalidate()
	metrics.RecordSyncRun(string(run.Status))
	s.withHistory(context.Background(), "finish sync run", func(hctx context.Context) error {
		return s.history.FinishSyncRun(hctx, run)
	})
	s.publish(telemetry.EventSyncFinished, run)

	fields := []zap.Field{zap.String("run_id", run.ID), zap.String("status", string(run.Status)), zap.Int("downloaded", run.Downloaded)}
	if run.Status == model.SyncFailed {
		s.logger.Error("sync run failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("sync run finished", fields...)
	}
	return run, err
}

// CancelSync asks the running pass to stop before its next file. It reports
// whether a pass was running.
func (s *Service) CancelSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.logger.Info("sync run cancel requested", zap.String("run_id", s.current.ID))
	return true
}

// WaitSync blocks until the running pass ends or ctx is done and returns the
// last finished run.
func (s *Service) WaitSync(ctx context.Context) (*model.SyncRun, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Status().Last, nil
}

func (s *Service) Status() model.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := model.SyncStatus{Running: s.current != nil}
	if s.current != nil {
		current := *s.current
		status.Current = &current
	}
	if s.last != nil {
		last := *s.last
		status.Last = &last
	}
	return status
}

// SyncRuns lists past runs from history, or from the in-process list when no
// history store is configured.
func (s *Service) SyncRuns(ctx context.Context, query store.SyncRunQuery) ([]model.SyncRun, int64, error) {
	if s.history != nil {
		return s.history.ListSyncRuns(ctx, query)
	}

	query = store.NormalizeSyncRunQuery(query)
	s.mu.Lock()
	runs := slices.Clone(s.recent)
	s.mu.Unlock()

	runs = lo.Filter(runs, func(run model.SyncRun, _ int) bool {
		if len(query.Statuses) > 0 && !lo.Contains(query.Statuses, run.Status) {
			return false
		}
		return query.Since.IsZero() || !run.StartedAt.Before(query.Since)
	})
	if query.SortDir == "asc" {
		slices.Reverse(runs)
	}
	total := int64(len(runs))
	start := min((query.Page-1)*query.PageSize, len(runs))
	end := min(start+query.PageSize, len(runs))
	return runs[start:end], total, nil
}

// SyncRun looks up one run by id, including the running one. Unknown ids
// return store.ErrSyncRunNotFound.
func (s *Service) SyncRun(ctx context.Context, id string) (model.SyncRun, error) {
	if s.history != nil {
		return s.history.GetSyncRun(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.ID == id {
		return *s.current, nil
	}
	run, ok := lo.Find(s.recent, func(run model.SyncRun) bool { return run.ID == id })
	if !ok {
		return model.SyncRun{}, store.ErrSyncRunNotFound
	}
	return run, nil
}

// ListLocalRecords returns the correlated records of the local directory,
// newest first.
func (s *Service) ListLocalRecords() ([]model.CorrelatedRecord, error) {
	return s.catalog.Records()
}

func (s *Service) LocalFiles() ([]model.LocalFile, error) {
	return s.catalog.LocalFiles()
}

// ReadLocalFile returns a file from the local directory. With pretty set the
// file must be JSON and is re-indented.
func (s *Service) ReadLocalFile(name string, pretty bool) ([]byte, error) {
	data, err := s.local.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if !pretty {
		return data, nil
	}
	if path.Ext(name) != ".json" {
		return nil, ErrNotJSON
	}
	out, err := records.PrettyJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return out, nil
}

// WatchConnectivity forwards state changes to subscribers and records every
// reachability change in history. It returns when ctx is done.
func (s *Service) WatchConnectivity(ctx context.Context) {
	updates, unsubscribe := s.state.Subscribe()
	defer unsubscribe()

	var (
		known       bool
		reachable   bool
		configStamp time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			conn := snap.Connectivity
			s.publish(telemetry.EventConnectivity, snap.Connectivity)

			if snap.Config != nil && !snap.Config.FetchedAt.Equal(configStamp) {
				configStamp = snap.Config.FetchedAt
				s.publish(telemetry.EventDeviceConfig, snap.Config)
			}

			if known && conn.Reachable == reachable {
				continue
			}
			known = true
			reachable = conn.Reachable
			event := model.ConnectivityEvent{
				Reachable: conn.Reachable,
				LatencyMs: conn.LatencyMs,
				Ports:     OpenPorts(conn.Ports),
				Timestamp: conn.CheckedAt,
			}
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now().UTC()
			}
			s.logger.Info("device reachability changed", zap.Bool("reachable", event.Reachable), zap.Ints("open_ports", event.Ports))
			s.withHistory(ctx, "record connectivity event", func(hctx context.Context) error {
				return s.history.RecordConnectivityEvent(hctx, event)
			})
		}
	}
}

// Close cancels a running pass and waits for it to finish.
func (s *Service) Close() {
	s.baseCancel()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// OpenPorts lists the reachable ports in ascending order.
func OpenPorts(ports map[int]bool) []int {
	open := lo.Filter(lo.Keys(ports), func(port int, _ int) bool { return ports[port] })
	slices.Sort(open)
	return open
}

func (s *Service) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

func (s *Service) withHistory(ctx context.Context, op string, fn func(context.Context) error) {
	if s.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := fn(hctx); err != nil {
		s.logger.Warn("history write failed", zap.String("op", op), zap.Error(err))
	}
}
