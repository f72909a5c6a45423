// Package syncer drives the pending queue and the per-entity cursors: it
// pushes local mutations to the cloud in bounded chunks, pulls remote changes
// and resolves conflicts, and drains the queue to the Master on Satellites.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"giro/internal/cloud"
	"giro/internal/giro"
)

var (
	ErrCloudNotConfigured = errors.New("cloud sync is not configured")
	ErrReviewNotFound     = errors.New("review item not found")
)

// Store is the slice of the local store the orchestrator drives.
type Store interface {
	giro.EntityStore
	giro.PendingQueue
	giro.CursorStore
	giro.ReviewStore
	giro.DeadLetterStore
}

// CloudClient is the License Server sync API.
type CloudClient interface {
	Push(ctx context.Context, items []cloud.SyncItem) (*cloud.PushResponse, error)
	Pull(ctx context.Context, entityTypes []string, since *int64, max int) (*cloud.PullResponse, error)
}

// LANPusher forwards one queued mutation to the Master and waits for its ack.
type LANPusher interface {
	PushUpdate(ctx context.Context, t giro.EntityType, op giro.SyncOperation, data json.RawMessage) error
}

type PeerCounter interface {
	OnlinePeerCount() int
}

type Deps struct {
	Store  Store
	Cloud  CloudClient
	LAN    LANPusher
	Peers  PeerCounter
	Mode   func() giro.OperationMode
	Logger giro.Logger
	Clock  giro.Clock
	IDs    giro.IDGenerator
}

// Status is the orchestrator's coarse state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Result status strings of SyncAll.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

type CloudResult struct {
	Pushed    int
	Pulled    int
	Conflicts int
	Errors    []string
	Duration  time.Duration
}

type LANResult struct {
	Pushed      int
	OnlinePeers int
	Errors      []string
	Duration    time.Duration
}

// Result is the outcome of SyncAll. Cloud or LAN is nil when the leg did not run.
type Result struct {
	Cloud  *CloudResult
	LAN    *LANResult
	Status string
}

type Stats struct {
	TotalSyncs        int64
	SuccessfulSyncs   int64
	FailedSyncs       int64
	PendingPush       int
	LastCloudSync     time.Time
	LastLANSync       time.Time
	TotalConflicts    int64
	ConflictsResolved int64
}

type Syncer struct {
	cfg    Config
	store  Store
	cloud  CloudClient
	lan    LANPusher
	peers  PeerCounter
	mode   func() giro.OperationMode
	logger giro.Logger
	clock  giro.Clock
	ids    giro.IDGenerator

	// syncMu serializes sync runs.
	syncMu sync.Mutex

	mu     sync.Mutex
	status Status
	stats  Stats

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config, deps Deps) *Syncer {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = giro.NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = giro.RealClock{}
	}
	if deps.IDs == nil {
		deps.IDs = giro.UUIDGenerator{}
	}
	if deps.Mode == nil {
		deps.Mode = func() giro.OperationMode { return giro.ModeStandalone }
	}
	return &Syncer{
		cfg:    cfg,
		store:  deps.Store,
		cloud:  deps.Cloud,
		lan:    deps.LAN,
		peers:  deps.Peers,
		mode:   deps.Mode,
		logger: deps.Logger,
		clock:  deps.Clock,
		ids:    deps.IDs,
		status: StatusIdle,
		subs:   make(map[int]chan Event),
		stop:   make(chan struct{}),
	}
}

// Track applies a local mutation and queues it for sync. Node-local settings
// are applied but never queued.
func (s *Syncer) Track(ctx context.Context, t giro.EntityType, id string, op giro.SyncOperation, data json.RawMessage) (giro.PendingItem, error) {
	if !t.Valid() {
		return giro.PendingItem{}, fmt.Errorf("unknown entity type: %q", t)
	}
	if op == "" {
		op = giro.OpUpsert
	}
	e := giro.Entity{Type: t, ID: id, Data: data, Deleted: op == giro.OpDelete}
	if op == giro.OpUpsert {
		parsed, err := giro.EntityFromData(t, data)
		if err != nil {
			return giro.PendingItem{}, err
		}
		if parsed.ID != id {
			return giro.PendingItem{}, fmt.Errorf("%w: id %q does not match %q", giro.ErrInvalidEntity, parsed.ID, id)
		}
		e = parsed
	} else if len(data) == 0 {
		e.Data, _ = json.Marshal(map[string]string{"id": id})
	}

	item, err := s.store.ApplyLocal(ctx, e, giro.PendingItem{
		Operation: op,
		Data:      e.Data,
		QueuedAt:  s.clock.Now(),
	})
	if err != nil {
		return giro.PendingItem{}, fmt.Errorf("tracking %s %s: %w", t, id, err)
	}
	return item, nil
}

// SyncAll runs the cloud and LAN legs in the configured order.
func (s *Syncer) SyncAll(ctx context.Context) Result {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.setStatus(StatusSyncing)
	var res Result
	runCloud := func() {
		if s.cfg.CloudEnabled && s.cloud != nil {
			r := s.syncCloud(ctx)
			res.Cloud = &r
		}
	}
	runLAN := func() {
		if s.cfg.LANEnabled {
			r := s.syncLAN(ctx)
			res.LAN = &r
		}
	}
	if s.cfg.CloudPriority {
		runCloud()
		runLAN()
	} else {
		runLAN()
		runCloud()
	}

	failed := (res.Cloud != nil && len(res.Cloud.Errors) > 0) || (res.LAN != nil && len(res.LAN.Errors) > 0)
	res.Status = ResultOK
	if failed {
		res.Status = ResultError
	}

	s.mu.Lock()
	s.stats.TotalSyncs++
	if failed {
		s.stats.FailedSyncs++
		s.status = StatusError
	} else {
		s.stats.SuccessfulSyncs++
		s.status = StatusCompleted
	}
	s.mu.Unlock()
	return res
}

// SyncCloud pushes the pending queue to the cloud and pulls remote changes.
func (s *Syncer) SyncCloud(ctx context.Context) (CloudResult, error) {
	if s.cloud == nil {
		return CloudResult{}, ErrCloudNotConfigured
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncCloud(ctx), nil
}

// SyncLAN runs the LAN leg for the current mode.
func (s *Syncer) SyncLAN(ctx context.Context) LANResult {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncLAN(ctx)
}

// Run calls SyncAll every interval until ctx ends or Stop is called.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("auto-sync started", "interval", s.cfg.Interval, "strategy", s.cfg.Strategy)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			s.logger.Info("auto-sync stopped")
			return
		case <-ticker.C:
			res := s.SyncAll(ctx)
			var pushed, pulled int
			if res.Cloud != nil {
				pushed += res.Cloud.Pushed
				pulled = res.Cloud.Pulled
			}
			if res.LAN != nil {
				pushed += res.LAN.Pushed
			}
			s.logger.Info("auto-sync finished", "status", res.Status, "pushed", pushed, "pulled", pulled)
		}
	}
}

func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Syncer) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Stats returns counters plus the live pending-queue length.
func (s *Syncer) Stats(ctx context.Context) (Stats, error) {
	n, err := s.store.CountPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PendingPush = n
	return st, nil
}

func (s *Syncer) ReviewItems(ctx context.Context) ([]giro.ReviewItem, error) {
	return s.store.ListReview(ctx)
}

func (s *Syncer) DeadLetters(ctx context.Context) ([]giro.DeadLetterItem, error) {
	return s.store.ListDeadLetters(ctx)
}

// ResolveReview settles a parked conflict. keepLocal re-queues the local
// snapshot on top of the remote version; otherwise the remote snapshot is applied.
func (s *Syncer) ResolveReview(ctx context.Context, id string, keepLocal bool) error {
	item, err := s.store.ResolveReview(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return ErrReviewNotFound
	}

	if keepLocal {
		op := giro.OpUpsert
		data := item.Local
		if isNull(data) {
			op = giro.OpDelete
			data, _ = json.Marshal(map[string]string{"id": item.EntityID})
		}
		if _, err := s.store.Enqueue(ctx, giro.PendingItem{
			Type:        item.Type,
			ID:          item.EntityID,
			Operation:   op,
			Data:        data,
			QueuedAt:    s.clock.Now(),
			BaseVersion: item.RemoteVersion,
		}); err != nil {
			return fmt.Errorf("requeueing %s %s: %w", item.Type, item.EntityID, err)
		}
	} else {
		e := giro.Entity{Type: item.Type, ID: item.EntityID, Version: item.RemoteVersion, Deleted: isNull(item.Remote)}
		if !e.Deleted {
			e.Data = stripCredentials(item.Type, item.Remote)
			if parsed, err := giro.EntityFromData(item.Type, e.Data); err == nil {
				e.UpdatedAt = parsed.UpdatedAt
			}
		}
		if _, err := s.store.ApplyEntity(ctx, e); err != nil {
			return fmt.Errorf("applying remote %s %s: %w", item.Type, item.EntityID, err)
		}
	}

	s.mu.Lock()
	s.stats.ConflictsResolved++
	s.mu.Unlock()
	s.logger.Info("review item resolved", "entity", item.Type, "id", item.EntityID, "keep_local", keepLocal)
	return nil
}

func (s *Syncer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
