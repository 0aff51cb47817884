package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pwnlink/agent/internal/localfs"
	"pwnlink/agent/internal/model"
	"pwnlink/agent/internal/probe"
	"pwnlink/agent/internal/records"
	"pwnlink/agent/internal/remote"
	"pwnlink/agent/internal/remote/remotetest"
	"pwnlink/agent/internal/store"
	"pwnlink/agent/internal/syncer"
	"pwnlink/agent/internal/telemetry"
)

type upProber struct{}

func (upProber) Probe(_ context.Context, _ string, port int, _ time.Duration) model.ProbeResult {
	elapsed := 3.0
	return model.ProbeResult{Port: port, Reachable: true, ElapsedMs: &elapsed}
}

type loopbackResolver struct{}

func (loopbackResolver) LookupHost(context.Context, string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

// reachableState drives one monitor cycle against probes that all succeed.
func reachableState(t *testing.T) *probe.State {
	t.Helper()
	state := probe.NewState(model.DevicePorts)
	monitor := probe.NewMonitor(state, upProber{}, nil, probe.Options{
		Host:     "pwnagotchi.local",
		Resolver: loopbackResolver{},
		Timeout:  time.Second,
	})
	require.True(t, monitor.Tick(context.Background()))
	require.True(t, state.Connectivity().Reachable)
	return state
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, telemetry.Event{Type: eventType, Data: data})
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type memoryHistory struct {
	mu       sync.Mutex
	inserted []model.SyncRun
	finished []model.SyncRun
	events   []model.ConnectivityEvent
}

func (h *memoryHistory) InsertSyncRun(_ context.Context, run model.SyncRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inserted = append(h.inserted, run)
	return nil
}

func (h *memoryHistory) FinishSyncRun(_ context.Context, run model.SyncRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, run)
	return nil
}

func (h *memoryHistory) ListSyncRuns(context.Context, store.SyncRunQuery) ([]model.SyncRun, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.SyncRun{}, h.finished...), int64(len(h.finished)), nil
}

func (h *memoryHistory) GetSyncRun(_ context.Context, id string) (model.SyncRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := lo.Find(h.finished, func(run model.SyncRun) bool { return run.ID == id })
	if !ok {
		return model.SyncRun{}, store.ErrSyncRunNotFound
	}
	return run, nil
}

func (h *memoryHistory) RecordConnectivityEvent(_ context.Context, event model.ConnectivityEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *memoryHistory) connectivityEvents() []model.ConnectivityEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ConnectivityEvent{}, h.events...)
}

// gatedDownloader reports one file and then waits for release or cancel.
type gatedDownloader struct {
	started chan struct{}
	release chan struct{}
}

func newGatedDownloader() *gatedDownloader {
	return &gatedDownloader{started: make(chan struct{}), release: make(chan struct{})}
}

func (d *gatedDownloader) Download(ctx context.Context, _ string, _ int, onProgress syncer.ProgressFunc) (int, error) {
	onProgress(1, 5)
	close(d.started)
	select {
	case <-d.release:
		return 1, nil
	case <-ctx.Done():
		return 1, syncer.ErrCancelled
	}
}

type failingDownloader struct{ err error }

func (d failingDownloader) Download(context.Context, string, int, syncer.ProgressFunc) (int, error) {
	return 0, d.err
}

func newService(t *testing.T, state *probe.State, downloader Downloader, history History, events Publisher) (*Service, *localfs.Store) {
	t.Helper()
	local := localfs.New(afero.NewMemMapFs(), "/captures")
	catalog := records.NewCatalog(local, time.Hour, 0, nil)
	svc := NewService(state, downloader, catalog, local, Options{
		RemoteDir: "/root/handshakes",
		MaxCount:  10,
		History:   history,
		Events:    events,
		Logger:    zaptest.NewLogger(t),
	})
	t.Cleanup(svc.Close)
	return svc, local
}

func TestStartSync_RefusedWhenUnreachable(t *testing.T) {
	svc, _ := newService(t, probe.NewState(model.DevicePorts), newGatedDownloader(), nil, nil)

	_, err := svc.StartSync(context.Background(), SyncRequest{})

	assert.ErrorIs(t, err, ErrNotReachable)
	assert.False(t, svc.Status().Running)
}

func TestStartSync_RejectsNegativeMaxCount(t *testing.T) {
	svc, _ := newService(t, reachableState(t), newGatedDownloader(), nil, nil)
	negative := -1

	_, err := svc.StartSync(context.Background(), SyncRequest{MaxCount: &negative})

	assert.Error(t, err)
}

func TestStartSync_OnePassAtATime(t *testing.T) {
	downloader := newGatedDownloader()
	history := &memoryHistory{}
	events := &recordingPublisher{}
	svc, _ := newService(t, reachableState(t), downloader, history, events)

	run, err := svc.StartSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncRunning, run.Status)
	assert.Equal(t, 10, run.MaxCount)
	<-downloader.started

	_, err = svc.StartSync(context.Background(), SyncRequest{})
	assert.ErrorIs(t, err, ErrSyncRunning)

	status := svc.Status()
	require.True(t, status.Running)
	require.NotNil(t, status.Current)
	assert.Equal(t, 1, status.Current.Downloaded)
	assert.Equal(t, 5, status.Current.Total)

	close(downloader.release)
	last, err := svc.WaitSync(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
	assert.Equal(t, model.SyncSucceeded, last.Status)
	assert.Equal(t, 1, last.Downloaded)
	assert.NotNil(t, last.FinishedAt)

	assert.False(t, svc.Status().Running)
	assert.Len(t, history.inserted, 1)
	require.Len(t, history.finished, 1)
	assert.Equal(t, model.SyncSucceeded, history.finished[0].Status)
	assert.Equal(t, []string{telemetry.EventSyncProgress, telemetry.EventSyncFinished}, events.types())
}

func TestCancelSync(t *testing.T) {
	downloader := newGatedDownloader()
	svc, _ := newService(t, reachableState(t), downloader, nil, nil)

	assert.False(t, svc.CancelSync(), "nothing to cancel")

	_, err := svc.StartSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	<-downloader.started

	assert.True(t, svc.CancelSync())
	last, err := svc.WaitSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SyncCancelled, last.Status)
	assert.Empty(t, last.Error)
}

func TestStartSync_FailureIsRecorded(t *testing.T) {
	svc, _ := newService(t, reachableState(t), failingDownloader{err: errors.New("download x.pcap: permission denied")}, nil, nil)

	_, err := svc.StartSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	last, err := svc.WaitSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.SyncFailed, last.Status)
	assert.Contains(t, last.Error, "permission denied")

	runs, total, err := svc.SyncRuns(context.Background(), store.SyncRunQuery{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, last.ID, runs[0].ID)

	runs, total, err = svc.SyncRuns(context.Background(), store.SyncRunQuery{Statuses: []model.SyncRunStatus{model.SyncSucceeded}})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, runs)

	found, err := svc.SyncRun(context.Background(), last.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, found.Status)

	_, err = svc.SyncRun(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrSyncRunNotFound)
}

func TestStartSync_EndToEndRefreshesRecords(t *testing.T) {
	device := remotetest.NewDevice()
	mod := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	device.Put("/root/handshakes/capA.pcap", []byte("pcap"), mod)
	device.Put("/root/handshakes/capA.gps.json", []byte(`{"location":{"lat":1,"lng":2,"accuracy":3}}`), mod)

	local := localfs.New(afero.NewMemMapFs(), "/captures")
	catalog := records.NewCatalog(local, time.Hour, 0, nil)
	svc := NewService(reachableState(t), syncer.NewDownloader(device, local, nil), catalog, local, Options{RemoteDir: "/root/handshakes"})
	t.Cleanup(svc.Close)

	before, err := svc.ListLocalRecords()
	require.NoError(t, err)
	assert.Empty(t, before)

	_, err = svc.StartSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	last, err := svc.WaitSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SyncSucceeded, last.Status)
	assert.Equal(t, 2, last.Downloaded)

	after, err := svc.ListLocalRecords()
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "capA", after[0].Name)
	require.NotNil(t, after[0].Position)
	assert.Equal(t, model.KindPositionGps, after[0].Position.Source)
}

func TestReadLocalFile(t *testing.T) {
	svc, local := newService(t, probe.NewState(model.DevicePorts), newGatedDownloader(), nil, nil)
	require.NoError(t, local.Save("capA.geo.json", []byte(`{"a":1}`), time.Unix(1, 0)))
	require.NoError(t, local.Save("capA.pcap", []byte("raw"), time.Unix(1, 0)))

	raw, err := svc.ReadLocalFile("capA.geo.json", false)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	pretty, err := svc.ReadLocalFile("capA.geo.json", true)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}", string(pretty))

	_, err = svc.ReadLocalFile("capA.pcap", true)
	assert.ErrorIs(t, err, ErrNotJSON)

	_, err = svc.ReadLocalFile("../etc/passwd", false)
	assert.ErrorIs(t, err, localfs.ErrInvalidName)
}

func TestWatchConnectivity_RecordsChanges(t *testing.T) {
	state := probe.NewState(model.DevicePorts)
	monitor := probe.NewMonitor(state, upProber{}, nil, probe.Options{Host: "pwnagotchi.local", Resolver: loopbackResolver{}, Timeout: time.Second})
	history := &memoryHistory{}
	events := &recordingPublisher{}
	svc, _ := newService(t, state, newGatedDownloader(), history, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		svc.WatchConnectivity(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		monitor.Tick(context.Background())
		return len(history.connectivityEvents()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	event := history.connectivityEvents()[0]
	assert.True(t, event.Reachable)
	assert.Equal(t, []int{22, 80, 8080, 8081}, event.Ports)

	monitor.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, history.connectivityEvents(), 1, "unchanged reachability is not recorded again")
	assert.Contains(t, events.types(), telemetry.EventConnectivity)

	cancel()
	<-done
}

func TestOpenPorts(t *testing.T) {
	assert.Equal(t, []int{22, 8080}, OpenPorts(map[int]bool{8080: true, 22: true, 80: false}))
	assert.Empty(t, OpenPorts(nil))
}

func TestSync_BlocksAndReportsProgress(t *testing.T) {
	device := remotetest.NewDevice()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, name := range []string{"a.pcap", "b.pcap", "c.pcap", "d.pcap"} {
		device.Put("/root/handshakes/"+name, []byte(name), base.Add(-time.Duration(i)*time.Minute))
	}
	local := localfs.New(afero.NewMemMapFs(), "/captures")
	svc := NewService(reachableState(t), syncer.NewDownloader(device, local, nil), records.NewCatalog(local, 0, 0, nil), local, Options{
		RemoteDir: "/root/handshakes",
		MaxCount:  0,
	})
	t.Cleanup(svc.Close)

	var seen []int
	limit := 3
	n, err := svc.Sync(context.Background(), SyncRequest{MaxCount: &limit}, func(done, total int) {
		seen = append(seen, done)
		assert.Equal(t, 4, total)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, seen)
	status := svc.Status()
	assert.False(t, status.Running)
	require.NotNil(t, status.Last)
	assert.Equal(t, model.SyncSucceeded, status.Last.Status)
}

func TestSync_CallerCancel(t *testing.T) {
	device := remotetest.NewDevice()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		device.Put("/root/handshakes/"+string(rune('a'+i))+".pcap", []byte{byte(i)}, base.Add(-time.Duration(i)*time.Minute))
	}
	local := localfs.New(afero.NewMemMapFs(), "/captures")
	svc := NewService(reachableState(t), syncer.NewDownloader(device, local, nil), records.NewCatalog(local, 0, 0, nil), local, Options{RemoteDir: "/root/handshakes"})
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := svc.Sync(ctx, SyncRequest{}, func(done, _ int) {
		if done == 2 {
			cancel()
		}
	})

	assert.ErrorIs(t, err, syncer.ErrCancelled)
	assert.Equal(t, 2, n)
	assert.Equal(t, model.SyncCancelled, svc.Status().Last.Status)
}

// blockingListDialer holds the directory listing open until its context ends.
type blockingListDialer struct {
	*remotetest.Device
	listing chan struct{}
}

func (d blockingListDialer) Dial(ctx context.Context) (remote.Session, error) {
	s, err := d.Device.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return blockingListSession{Session: s, listing: d.listing}, nil
}

type blockingListSession struct {
	remote.Session
	listing chan struct{}
}

func (s blockingListSession) Execute(ctx context.Context, command string) ([]byte, error) {
	if strings.HasPrefix(command, "ls ") {
		close(s.listing)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Session.Execute(ctx, command)
}

func TestCancelSync_DuringListingIsCancelled(t *testing.T) {
	dialer := blockingListDialer{Device: remotetest.NewDevice(), listing: make(chan struct{})}
	local := localfs.New(afero.NewMemMapFs(), "/captures")
	svc := NewService(reachableState(t), syncer.NewDownloader(dialer, local, nil), records.NewCatalog(local, 0, 0, nil), local, Options{RemoteDir: "/root/handshakes"})
	t.Cleanup(svc.Close)

	_, err := svc.StartSync(context.Background(), SyncRequest{})
	require.NoError(t, err)
	<-dialer.listing

	assert.True(t, svc.CancelSync())
	last, err := svc.WaitSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SyncCancelled, last.Status)
	assert.Empty(t, last.Error)
	assert.Zero(t, last.Downloaded)
}
