package syncengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"go.uber.org/zap"
)

const (
	// DefaultDebounce is the quiet window that coalesces bursts of edits.
	DefaultDebounce = 2500 * time.Millisecond
	// DefaultPollInterval is the background pull cadence.
	DefaultPollInterval = 5 * time.Second

	opNew      = "sync.new"
	opAutoPush = "sync.auto_push"
	opAutoPull = "sync.auto_pull"
	opPushNow  = "sync.push_now"
	opPullNow  = "sync.pull_now"
)

var (
	errMissingRemote = errors.New("remote is required")
	errMissingState  = errors.New("state is required")
)

// Status is the passive sync indicator shown by the UI.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// PullOutcome reports what an automatic pull did.
type PullOutcome string

const (
	PullOutcomeApplied PullOutcome = "applied"
	// PullOutcomeNotNewer means the remote snapshot was not newer than local
	// state. It is not an error.
	PullOutcomeNotNewer PullOutcome = "not_newer"
	PullOutcomeNotFound PullOutcome = "not_found"
	PullOutcomeSkipped  PullOutcome = "skipped"
	PullOutcomeFailed   PullOutcome = "failed"
)

// Remote is the storage side of a sync.
type Remote interface {
	Kind() storage.Kind
	Connected() bool
	Push(ctx context.Context, snapshot catalog.BackupData) error
	Pull(ctx context.Context) (catalog.BackupData, error)
}

// State is the local side of a sync.
type State interface {
	Snapshot() catalog.BackupData
	Settings() catalog.Settings
	ReplaceSnapshot(ctx context.Context, snapshot catalog.BackupData) error
	ReplaceSnapshotIfNewer(ctx context.Context, snapshot catalog.BackupData) bool
}

// Recorder receives sync measurements.
type Recorder interface {
	ObservePush(kind storage.Kind, mode string, err error, elapsed time.Duration)
	ObservePull(kind storage.Kind, mode string, outcome PullOutcome, elapsed time.Duration)
}

// StatusReport is the externally visible engine state.
type StatusReport struct {
	Status       Status       `json:"status"`
	Provider     storage.Kind `json:"provider"`
	AutoSync     bool         `json:"autoSync"`
	Dirty        bool         `json:"dirty"`
	LastError    string       `json:"lastError,omitempty"`
	LastSyncedAt int64        `json:"lastSyncedAt,omitempty"`
}

// Config describes the dependencies of an Engine.
type Config struct {
	Remote       Remote
	State        State
	Debounce     time.Duration
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	Recorder     Recorder
}

// Engine pushes and pulls the full snapshot against the active provider.
//
// Local mutations call MarkDirty; when auto-sync is enabled and a provider is
// connected the engine waits for a quiet window and pushes the snapshot as
// of the moment the timer fires. Run polls the provider and adopts a remote
// snapshot only if its settings.lastUpdated is strictly newer. Conflicts are
// resolved by whole-snapshot last-write-wins; there is no field merge.
type Engine struct {
	remote       Remote
	state        State
	debounce     time.Duration
	pollInterval time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	recorder     Recorder

	mu           sync.Mutex
	status       Status
	lastErr      error
	lastSyncedAt time.Time
	dirty        bool
	timer        *time.Timer

	// pushMu keeps one push in flight per engine.
	pushMu sync.Mutex

	// outbox holds reports not yet delivered; one drain goroutine at a time
	// hands them to listeners in transition order.
	outbox   []StatusReport
	draining bool

	listenersMu sync.RWMutex
	listeners   []func(StatusReport)
}

// New constructs an Engine in the idle state.
func New(cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%s.missing_remote: %w", opNew, errMissingRemote)
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("%s.missing_state: %w", opNew, errMissingState)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		remote:       cfg.Remote,
		state:        cfg.State,
		debounce:     debounce,
		pollInterval: poll,
		clock:        clock,
		logger:       logger,
		recorder:     cfg.Recorder,
		status:       StatusIdle,
	}, nil
}

// OnStatus registers a listener run after every status transition. Reports
// arrive in transition order on a goroutine other than the caller's.
func (e *Engine) OnStatus(listener func(StatusReport)) {
	if listener == nil {
		return
	}
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, listener)
	e.listenersMu.Unlock()
}

// Status returns the current report.
func (e *Engine) Status() StatusReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reportLocked()
}

func (e *Engine) reportLocked() StatusReport {
	report := StatusReport{
		Status:   e.status,
		Provider: e.remote.Kind(),
		AutoSync: e.autoSyncEnabled(),
		Dirty:    e.dirty,
	}
	if e.lastErr != nil {
		report.LastError = e.lastErr.Error()
	}
	if !e.lastSyncedAt.IsZero() {
		report.LastSyncedAt = e.lastSyncedAt.UnixMilli()
	}
	return report
}

func (e *Engine) autoSyncEnabled() bool {
	return e.state.Settings().SyncEnabled
}

func (e *Engine) autoActive() bool {
	return e.autoSyncEnabled() && e.remote.Connected()
}

// MarkDirty records a local mutation. With auto-sync enabled and a provider
// connected it moves to pending and restarts the debounce timer.
func (e *Engine) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	if !e.autoActive() {
		e.mu.Unlock()
		return
	}
	e.armLocked()
	e.setStatusLocked(StatusPending, nil)
	e.mu.Unlock()
}

func (e *Engine) armLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.flush)
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// flush runs when the debounce window closes.
func (e *Engine) flush() {
	if !e.pushMu.TryLock() {
		e.mu.Lock()
		e.armLocked()
		e.mu.Unlock()
		return
	}
	defer e.pushMu.Unlock()

	e.mu.Lock()
	e.timer = nil
	if !e.dirty {
		e.mu.Unlock()
		return
	}
	if !e.autoActive() {
		e.setStatusLocked(StatusIdle, nil)
		e.mu.Unlock()
		return
	}
	e.dirty = false
	e.setStatusLocked(StatusSyncing, nil)
	e.mu.Unlock()

	snapshot := e.state.Snapshot()
	err := e.push(context.Background(), snapshot, "auto")

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.dirty = true
		e.logger.Warn("automatic push failed",
			zap.String("operation", opAutoPush),
			zap.String("provider", e.remote.Kind().String()),
			zap.Error(err))
		e.setStatusLocked(StatusError, err)
		return
	}
	e.lastSyncedAt = e.clock()
	if e.dirty {
		e.setStatusLocked(StatusPending, nil)
		return
	}
	e.setStatusLocked(StatusSynced, nil)
}

func (e *Engine) push(ctx context.Context, snapshot catalog.BackupData, mode string) error {
	started := e.clock()
	err := e.remote.Push(ctx, snapshot)
	if e.recorder != nil {
		e.recorder.ObservePush(e.remote.Kind(), mode, err, e.clock().Sub(started))
	}
	return err
}

// Run polls the provider until ctx is done. A tick first pushes local
// changes that have no push scheduled, such as a failed automatic push or
// edits left over from a previous connection; otherwise it performs an
// automatic pull.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopTimerLocked()
			e.mu.Unlock()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	retry := e.dirty && e.timer == nil && e.status != StatusSyncing
	e.mu.Unlock()
	if retry && e.autoActive() {
		e.flush()
		return
	}
	_, _ = e.AutoPull(ctx)
}

// NotifyVisible is called when the kiosk UI returns to the foreground.
func (e *Engine) NotifyVisible(ctx context.Context) (PullOutcome, error) {
	return e.AutoPull(ctx)
}

// AutoPull fetches the remote snapshot and applies it only when its
// settings.lastUpdated is strictly greater than the local value. Failures
// are logged and reflected in the status, never returned to a user.
func (e *Engine) AutoPull(ctx context.Context) (PullOutcome, error) {
	if !e.autoActive() {
		return PullOutcomeSkipped, nil
	}
	return e.gatedPull(ctx, "auto")
}

// Refresh performs one gated pull whether or not auto-sync is enabled. It
// runs right after a provider is connected.
func (e *Engine) Refresh(ctx context.Context) (PullOutcome, error) {
	if !e.remote.Connected() {
		return PullOutcomeSkipped, nil
	}
	return e.gatedPull(ctx, "refresh")
}

func (e *Engine) gatedPull(ctx context.Context, mode string) (PullOutcome, error) {
	started := e.clock()
	outcome, err := e.autoPull(ctx)
	if e.recorder != nil {
		e.recorder.ObservePull(e.remote.Kind(), mode, outcome, e.clock().Sub(started))
	}
	return outcome, err
}

func (e *Engine) autoPull(ctx context.Context) (PullOutcome, error) {
	snapshot, err := e.remote.Pull(ctx)
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		e.logger.Debug("remote has no snapshot yet", zap.String("operation", opAutoPull))
		return PullOutcomeNotFound, nil
	}
	if err != nil {
		e.logger.Warn("automatic pull failed",
			zap.String("operation", opAutoPull),
			zap.String("provider", e.remote.Kind().String()),
			zap.Error(err))
		e.mu.Lock()
		e.setStatusLocked(StatusError, err)
		e.mu.Unlock()
		return PullOutcomeFailed, err
	}

	if !e.state.ReplaceSnapshotIfNewer(ctx, snapshot) {
		e.logger.Debug("remote not newer",
			zap.String("operation", opAutoPull),
			zap.Int64("remote_last_updated", snapshot.Settings.LastUpdated))
		return PullOutcomeNotNewer, nil
	}

	e.mu.Lock()
	e.lastSyncedAt = e.clock()
	if e.status != StatusSyncing {
		// Local edits were replaced by the newer remote snapshot.
		e.stopTimerLocked()
		e.dirty = false
		e.setStatusLocked(StatusSynced, nil)
	}
	e.mu.Unlock()
	e.logger.Info("remote snapshot applied",
		zap.String("operation", opAutoPull),
		zap.Int64("last_updated", snapshot.Settings.LastUpdated))
	return PullOutcomeApplied, nil
}

// PushNow pushes the current snapshot at the operator's request. It waits
// for an in-flight automatic push and returns any failure to the caller.
func (e *Engine) PushNow(ctx context.Context) error {
	if !e.remote.Connected() {
		return fmt.Errorf("%s.not_connected: %w", opPushNow, storage.ErrNotConnected)
	}
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	e.mu.Lock()
	e.stopTimerLocked()
	e.dirty = false
	e.setStatusLocked(StatusSyncing, nil)
	e.mu.Unlock()

	err := e.push(ctx, e.state.Snapshot(), "manual")

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.dirty = true
		e.setStatusLocked(StatusError, err)
		return err
	}
	e.lastSyncedAt = e.clock()
	if e.dirty {
		e.setStatusLocked(StatusPending, nil)
	} else {
		e.setStatusLocked(StatusSynced, nil)
	}
	return nil
}

// PullNow fetches the remote snapshot and applies it unconditionally; the
// operator chose to overwrite local state.
func (e *Engine) PullNow(ctx context.Context) (catalog.BackupData, error) {
	if !e.remote.Connected() {
		return catalog.BackupData{}, fmt.Errorf("%s.not_connected: %w", opPullNow, storage.ErrNotConnected)
	}
	e.mu.Lock()
	e.setStatusLocked(StatusSyncing, nil)
	e.mu.Unlock()

	started := e.clock()
	snapshot, err := e.remote.Pull(ctx)
	outcome := PullOutcomeApplied
	if err == nil {
		err = e.state.ReplaceSnapshot(ctx, snapshot)
	}
	if err != nil {
		outcome = PullOutcomeFailed
	}
	if e.recorder != nil {
		e.recorder.ObservePull(e.remote.Kind(), "manual", outcome, e.clock().Sub(started))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.setStatusLocked(StatusError, err)
		return catalog.BackupData{}, err
	}
	e.stopTimerLocked()
	e.dirty = false
	e.lastSyncedAt = e.clock()
	e.setStatusLocked(StatusSynced, nil)
	return snapshot, nil
}

// Reset drops pending work after the provider disconnected. Unpushed
// changes stay marked dirty for the next connection.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.stopTimerLocked()
	e.setStatusLocked(StatusIdle, nil)
	e.mu.Unlock()
}

func (e *Engine) setStatusLocked(status Status, err error) {
	changed := e.status != status || !errors.Is(err, e.lastErr)
	e.status = status
	e.lastErr = err
	if !changed {
		return
	}
	e.outbox = append(e.outbox, e.reportLocked())
	if !e.draining {
		e.draining = true
		go e.drain()
	}
}

func (e *Engine) drain() {
	for {
		e.mu.Lock()
		reports := e.outbox
		e.outbox = nil
		if len(reports) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		e.listenersMu.RLock()
		listeners := slices.Clone(e.listeners)
		e.listenersMu.RUnlock()
		for _, report := range reports {
			for _, listener := range listeners {
				listener(report)
			}
		}
	}
}
