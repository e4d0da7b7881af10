package sync

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPeerTimeout = 30 * time.Second
	roundKey           = "round"
)

// PeerStatus summarizes one peer's outcome in a sync round.
type PeerStatus string

const (
	StatusOK          PeerStatus = "ok"
	StatusUnreachable PeerStatus = "unreachable"
	StatusFailed      PeerStatus = "failed"
)

// PeerReport describes one sync pass against one peer.
type PeerReport struct {
	DeviceID   string        `json:"device_id"`
	DeviceName string        `json:"device_name"`
	Status     PeerStatus    `json:"status"`
	Changes    int           `json:"changes"`
	PassAt     time.Time     `json:"pass_at"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// RoundReport describes one round over every sync-enabled peer.
type RoundReport struct {
	StartedAt time.Time    `json:"started_at"`
	Peers     []PeerReport `json:"peers"`
	Purged    int          `json:"purged"`
}

// DeviceDirectory lists the peers to sync with and records their watermarks.
type DeviceDirectory interface {
	List(ctx context.Context) ([]devices.Device, error)
	ListSyncEnabled(ctx context.Context) ([]devices.Device, error)
	UpdateSyncedAt(ctx context.Context, id string, syncedAt time.Time) error
}

// Session is a companion connection that must be closed after the pass.
// Complete tells the companion its state was pulled and applied.
type Session interface {
	Companion
	Complete(ctx context.Context) error
	Close() error
}

// Dialer opens a companion session to a paired device.
type Dialer interface {
	Dial(ctx context.Context, device devices.Device) (Session, error)
}

// Observer is notified after each peer pass.
type Observer interface {
	PeerSynced(report PeerReport)
}

// OrchestratorConfig wires the collaborators of a sync round.
type OrchestratorConfig struct {
	Devices DeviceDirectory
	Dialer  Dialer
	Engine  *Engine
	Applier *Applier
	Clock   func() time.Time
	// PeerTimeout bounds dialing and diffing against one peer.
	PeerTimeout time.Duration
	// PeerConcurrency bounds how many peers are diffed at once.
	PeerConcurrency int
	// TombstoneRetention keeps tombstones this long past the oldest time any
	// paired device completed a pass against this one. Zero disables purging.
	TombstoneRetention time.Duration
	Observer           Observer
	Logger             *zap.Logger
}

// Orchestrator runs sync rounds against every sync-enabled peer.
type Orchestrator struct {
	devices         DeviceDirectory
	dialer          Dialer
	engine          *Engine
	applier         *Applier
	clock           func() time.Time
	peerTimeout     time.Duration
	peerConcurrency int
	retention       time.Duration
	observer        Observer
	logger          *zap.Logger
	rounds          singleflight.Group
}

// NewOrchestrator validates the configuration and builds an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Devices == nil:
		return nil, errors.Wrap(ErrMissingDependency, "device directory")
	case cfg.Dialer == nil:
		return nil, errors.Wrap(ErrMissingDependency, "dialer")
	case cfg.Engine == nil:
		return nil, errors.Wrap(ErrMissingDependency, "engine")
	case cfg.Applier == nil:
		return nil, errors.Wrap(ErrMissingDependency, "applier")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.PeerTimeout
	if timeout <= 0 {
		timeout = defaultPeerTimeout
	}
	peerConcurrency := cfg.PeerConcurrency
	if peerConcurrency <= 0 {
		peerConcurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		devices:         cfg.Devices,
		dialer:          cfg.Dialer,
		engine:          cfg.Engine,
		applier:         cfg.Applier,
		clock:           clock,
		peerTimeout:     timeout,
		peerConcurrency: peerConcurrency,
		retention:       cfg.TombstoneRetention,
		observer:        cfg.Observer,
		logger:          logger,
	}, nil
}

// Run syncs every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.SyncAll(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("sync round failed", zap.Error(err))
			}
		}
	}
}

// SyncAll runs one pass against every sync-enabled peer. A failing peer never
// stops the others; the returned error only covers listing peers. Calls made
// while a round is running wait for it and share its report.
func (o *Orchestrator) SyncAll(ctx context.Context) (RoundReport, error) {
	result, err, _ := o.rounds.Do(roundKey, func() (any, error) {
		return o.syncAll(ctx)
	})
	if err != nil {
		return RoundReport{}, err
	}
	return result.(RoundReport), nil
}

func (o *Orchestrator) syncAll(ctx context.Context) (RoundReport, error) {
	startedAt := notes.NormalizeTime(o.clock())
	peers, err := o.devices.ListSyncEnabled(ctx)
	if err != nil {
		return RoundReport{}, errors.Wrap(err, "list sync enabled devices")
	}

	reports := make([]PeerReport, len(peers))
	var group errgroup.Group
	group.SetLimit(o.peerConcurrency)
	for index, peer := range peers {
		index, peer := index, peer
		group.Go(func() error {
			reports[index] = o.SyncPeer(ctx, peer)
			return nil
		})
	}
	_ = group.Wait()

	round := RoundReport{StartedAt: startedAt, Peers: reports}
	var synced, unreachable, failed int
	for _, report := range reports {
		switch report.Status {
		case StatusOK:
			synced++
		case StatusUnreachable:
			unreachable++
		default:
			failed++
		}
	}

	purged, err := o.purge(ctx)
	if err != nil {
		o.logger.Warn("tombstone purge failed", zap.Error(err))
	}
	round.Purged = purged

	o.logger.Info("sync round complete",
		zap.Int("peers", len(peers)),
		zap.Int("synced", synced),
		zap.Int("unreachable", unreachable),
		zap.Int("failed", failed),
		zap.Int("purged", purged))
	return round, nil
}

// SyncPeer runs one pass against one peer and advances its watermark on success.
func (o *Orchestrator) SyncPeer(ctx context.Context, device devices.Device) PeerReport {
	passAt := notes.NormalizeTime(o.clock())
	started := time.Now()
	report := PeerReport{DeviceID: device.ID, DeviceName: device.Name, PassAt: passAt}

	changes, err := o.pass(ctx, device, passAt)
	report.Duration = time.Since(started)
	report.Changes = changes
	switch {
	case err == nil:
		report.Status = StatusOK
		o.logger.Info("peer synced",
			zap.String("device_id", device.ID),
			zap.Int("changes", changes),
			zap.Duration("duration", report.Duration))
	case errors.Is(err, ErrCompanionUnavailable) || errors.Is(err, context.DeadlineExceeded):
		report.Status = StatusUnreachable
		report.Error = err.Error()
		o.logger.Warn("peer unreachable", zap.String("device_id", device.ID), zap.Error(err))
	default:
		report.Status = StatusFailed
		report.Error = err.Error()
		o.logger.Error("peer sync failed", zap.String("device_id", device.ID), zap.Error(err))
	}

	if o.observer != nil {
		o.observer.PeerSynced(report)
	}
	return report
}

func (o *Orchestrator) pass(ctx context.Context, device devices.Device, passAt time.Time) (int, error) {
	peerCtx, cancel := context.WithTimeout(ctx, o.peerTimeout)
	defer cancel()

	session, err := o.dialer.Dial(peerCtx, device)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "dial %s", device.ID), ErrCompanionUnavailable)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			o.logger.Debug("companion close failed", zap.String("device_id", device.ID), zap.Error(closeErr))
		}
	}()

	diff, err := o.engine.Diff(peerCtx, session, passAt)
	if err != nil {
		return 0, err
	}
	if err := o.applier.UpdateByDiff(ctx, diff); err != nil {
		return 0, err
	}
	if err := o.devices.UpdateSyncedAt(ctx, device.ID, passAt); err != nil {
		return diff.Len(), errors.Wrapf(err, "advance watermark of %s", device.ID)
	}
	if err := session.Complete(peerCtx); err != nil {
		o.logger.Warn("companion completion not acknowledged", zap.String("device_id", device.ID), zap.Error(err))
	}
	return diff.Len(), nil
}

// purge drops tombstones that every paired device, enabled or not, has had the
// retention period to observe. A device observes this store only by completing
// a pass against it, so purging is skipped while any device never has.
func (o *Orchestrator) purge(ctx context.Context) (int, error) {
	if o.retention <= 0 {
		return 0, nil
	}
	paired, err := o.devices.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list paired devices")
	}
	if len(paired) == 0 {
		return 0, nil
	}
	var oldest time.Time
	for _, device := range paired {
		if !device.HasObserved() {
			return 0, nil
		}
		if observed := device.ObservedAt(); oldest.IsZero() || observed.Before(oldest) {
			oldest = observed
		}
	}

	diff, err := o.applier.PlanPurge(ctx, oldest.Add(-o.retention))
	if err != nil {
		return 0, err
	}
	if err := o.applier.UpdateByDiff(ctx, diff); err != nil {
		return 0, err
	}
	return len(diff.ThreadDelete) + len(diff.NoteDelete), nil
}
