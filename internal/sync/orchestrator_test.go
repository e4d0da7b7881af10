package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDirectory struct {
	mu      gosync.Mutex
	devices []devices.Device
	synced  map[string]time.Time
}

func (d *fakeDirectory) List(context.Context) ([]devices.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]devices.Device(nil), d.devices...), nil
}

func (d *fakeDirectory) ListSyncEnabled(context.Context) ([]devices.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var enabled []devices.Device
	for _, device := range d.devices {
		if device.SyncEnabled {
			enabled = append(enabled, device)
		}
	}
	return enabled, nil
}

func (d *fakeDirectory) observe(id string, observedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for index := range d.devices {
		if d.devices[index].ID == id {
			d.devices[index].ObservedAtMs = observedAt.UnixMilli()
		}
	}
}

func (d *fakeDirectory) UpdateSyncedAt(_ context.Context, id string, syncedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.synced == nil {
		d.synced = map[string]time.Time{}
	}
	d.synced[id] = syncedAt
	return nil
}

type fakeSession struct {
	Companion
	closed    *int
	completed *int
}

func (s fakeSession) Complete(context.Context) error {
	*s.completed++
	return nil
}

func (s fakeSession) Close() error {
	*s.closed++
	return nil
}

type fakeDialer struct {
	companions map[string]Companion
	closed     int
	completed  int
}

func (d *fakeDialer) Dial(_ context.Context, device devices.Device) (Session, error) {
	companion, ok := d.companions[device.ID]
	if !ok {
		return nil, errors.New("no route to host")
	}
	return fakeSession{Companion: companion, closed: &d.closed, completed: &d.completed}, nil
}

// gatedDialer holds every dial until release is closed.
type gatedDialer struct {
	inner   Dialer
	entered chan struct{}
	release chan struct{}
	dials   atomic.Int32
}

func (d *gatedDialer) Dial(ctx context.Context, device devices.Device) (Session, error) {
	d.dials.Add(1)
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-d.release
	return d.inner.Dial(ctx, device)
}

type recordingObserver struct {
	mu      gosync.Mutex
	reports []PeerReport
}

func (o *recordingObserver) PeerSynced(report PeerReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, report)
}

func newTestOrchestrator(t *testing.T, local *store, directory DeviceDirectory, dialer Dialer, observer Observer, retention time.Duration) *Orchestrator {
	t.Helper()
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Devices:            directory,
		Dialer:             dialer,
		Engine:             local.engine,
		Applier:            local.applier,
		Clock:              fixedClock(now),
		PeerTimeout:        5 * time.Second,
		TombstoneRetention: retention,
		Observer:           observer,
		Logger:             zap.NewNop(),
	})
	require.NoError(t, err)
	return orchestrator
}

func TestSyncAllIsolatesPeerFailures(t *testing.T) {
	ctx := context.Background()
	local := newStore(t, "local", fixedClock(now))
	peer := seedCompanionStore(t)

	broken := &fakeCompanion{
		threads: []notes.Thread{thread("z", at(1))},
		notes:   []notes.Note{note("orphan", "z", "missing-parent", at(1))},
	}
	directory := &fakeDirectory{devices: []devices.Device{
		{ID: "good", Name: "tablet", SyncEnabled: true},
		{ID: "offline", Name: "phone", SyncEnabled: true, SyncedAtMs: at(2).UnixMilli()},
		{ID: "broken", Name: "desktop", SyncEnabled: true},
	}}
	dialer := &fakeDialer{companions: map[string]Companion{"good": peer.local, "broken": broken}}
	observer := &recordingObserver{}

	round, err := newTestOrchestrator(t, local, directory, dialer, observer, 0).SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, round.Peers, 3)
	require.Equal(t, StatusOK, round.Peers[0].Status)
	require.Equal(t, StatusUnreachable, round.Peers[1].Status)
	require.Equal(t, StatusFailed, round.Peers[2].Status)
	require.NotEmpty(t, round.Peers[2].Error)
	require.Len(t, observer.reports, 3)
	require.Equal(t, 2, dialer.closed)
	require.Equal(t, 1, dialer.completed, "only an applied pass is reported complete")

	require.Equal(t, map[string]time.Time{"good": now}, directory.synced)

	adopted, err := local.threads.Find(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, adopted)
	require.True(t, adopted.UpdatedAt.Equal(now))
	rejected, err := local.threads.Find(ctx, "z")
	require.NoError(t, err)
	require.Nil(t, rejected, "failed peer must leave no partial writes")
}

func TestPurgeKeepsTombstonesUntilPeersObserveThem(t *testing.T) {
	ctx := context.Background()
	local := newStore(t, "local", fixedClock(now))
	local.seed(t, []notes.Thread{tombstone(thread("x", at(5)))}, nil)

	// The peer still holds x live from before it was deleted here.
	peer := &fakeCompanion{threads: []notes.Thread{thread("x", at(1))}}
	directory := &fakeDirectory{devices: []devices.Device{{ID: "peer", SyncEnabled: true}}}
	dialer := &fakeDialer{companions: map[string]Companion{"peer": peer}}
	orchestrator := newTestOrchestrator(t, local, directory, dialer, nil, time.Minute)

	for round := 0; round < 2; round++ {
		report, err := orchestrator.SyncAll(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusOK, report.Peers[0].Status)
		require.Zero(t, report.Purged, "round %d", round)

		kept, err := local.threads.Find(ctx, "x")
		require.NoError(t, err)
		require.NotNil(t, kept, "round %d", round)
		require.True(t, kept.Deleted, "round %d must not bring x back to life", round)
	}

	// A pass the peer completed before the delete does not cover it.
	directory.observe("peer", at(4))
	report, err := orchestrator.SyncAll(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Purged)

	// Once the peer pulled the tombstone it holds it too.
	peer.threads = []notes.Thread{tombstone(thread("x", at(5)))}
	directory.observe("peer", at(20))
	report, err = orchestrator.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Purged)

	gone, err := local.threads.Find(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestPurgeWaitsForDisabledDevices(t *testing.T) {
	ctx := context.Background()
	local := newStore(t, "local", fixedClock(now))
	local.seed(t, []notes.Thread{tombstone(thread("dead", at(1)))}, nil)
	peer := newStore(t, "peer", fixedClock(now))
	peer.seed(t, []notes.Thread{tombstone(thread("dead", at(1)))}, nil)

	directory := &fakeDirectory{devices: []devices.Device{
		{ID: "peer", SyncEnabled: true, ObservedAtMs: at(25).UnixMilli()},
		{ID: "paused", SyncEnabled: false},
	}}
	dialer := &fakeDialer{companions: map[string]Companion{"peer": peer.local}}
	orchestrator := newTestOrchestrator(t, local, directory, dialer, nil, 10*time.Minute)

	round, err := orchestrator.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, round.Peers, 1, "disabled devices are not dialed")
	require.Zero(t, round.Purged, "a paused device that never pulled blocks purging")

	directory.observe("paused", at(12))
	round, err = orchestrator.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, round.Purged)

	gone, err := local.threads.Find(ctx, "dead")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestConcurrentSyncAllSharesOneRound(t *testing.T) {
	ctx := context.Background()
	local := newStore(t, "local", fixedClock(now))
	peer := seedCompanionStore(t)
	directory := &fakeDirectory{devices: []devices.Device{{ID: "peer", SyncEnabled: true}}}
	dialer := &gatedDialer{
		inner:   &fakeDialer{companions: map[string]Companion{"peer": peer.local}},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	orchestrator := newTestOrchestrator(t, local, directory, dialer, nil, 0)

	type result struct {
		report RoundReport
		err    error
	}
	results := make(chan result, 2)
	run := func() {
		report, err := orchestrator.SyncAll(ctx)
		results <- result{report, err}
	}
	go run()
	<-dialer.entered
	go run()
	time.Sleep(50 * time.Millisecond)
	close(dialer.release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.Equal(t, first.report, second.report)
	require.Equal(t, int32(1), dialer.dials.Load())
	require.Equal(t, map[string]time.Time{"peer": now}, directory.synced)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorConfig{})
	require.ErrorIs(t, err, ErrMissingDependency)
}
