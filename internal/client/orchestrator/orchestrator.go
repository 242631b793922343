package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/queue"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/syncer"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/logging"
)

// Monitor is the connectivity source.
type Monitor interface {
	IsOnline() bool
	OnOnline(f func())
	OnOffline(f func())
	Watch(ctx context.Context, interval time.Duration) error
}

// Queue is the part of the processor the orchestrator schedules.
type Queue interface {
	Drain(ctx context.Context) (queue.DrainResult, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Reclaim(ctx context.Context, olderThan time.Duration) (int, error)
	ReclaimStale(ctx context.Context) (int, error)
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// Syncer is the incremental sync coordinator.
type Syncer interface {
	Sync(ctx context.Context, entities []string) (syncer.Result, error)
	LastSyncAt(ctx context.Context) (*time.Time, error)
}

// Registrar announces the device to the server and returns the access
// token it issued, empty when the server does not use tokens.
type Registrar interface {
	Register(ctx context.Context, device models.DeviceInfo) (string, error)
}

type Config struct {
	DrainInterval       time.Duration
	SyncInterval        time.Duration
	OnlineCheckInterval time.Duration
	PruneInterval       time.Duration
	CompletedRetention  time.Duration
	RequestTimeout      time.Duration

	DeviceName string
	Platform   string
	AppVersion string
}

func DefaultConfig() Config {
	return Config{
		DrainInterval:       30 * time.Second,
		SyncInterval:        5 * time.Minute,
		OnlineCheckInterval: 3 * time.Second,
		PruneInterval:       time.Hour,
		CompletedRetention:  24 * time.Hour,
		RequestTimeout:      15 * time.Second,
	}
}

const (
	keyDrain = "drain"
	keySync  = "sync"
)

// Orchestrator owns the sync state and schedules drains and syncs.
type Orchestrator struct {
	store     storage.Adapter
	monitor   Monitor
	queue     Queue
	syncer    Syncer
	registrar Registrar
	cfg       Config
	log       logging.Logger

	onDeviceID func(string)
	onToken    func(string)

	state  *state
	flight singleflight.Group

	mu       sync.Mutex
	deviceID string
	lifetime context.Context
	wg       sync.WaitGroup
}

type Option func(*Orchestrator)

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithDeviceIDHook is called once the device id is known, typically to set
// it on the API client.
func WithDeviceIDHook(f func(string)) Option {
	return func(o *Orchestrator) { o.onDeviceID = f }
}

// WithTokenHook is called with the stored device token at Init and with
// every token issued by registration.
func WithTokenHook(f func(string)) Option {
	return func(o *Orchestrator) { o.onToken = f }
}

func New(store storage.Adapter, mon Monitor, q Queue, s Syncer, reg Registrar, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.OnlineCheckInterval <= 0 {
		cfg.OnlineCheckInterval = def.OnlineCheckInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	o := &Orchestrator{
		store:      store,
		monitor:    mon,
		queue:      q,
		syncer:     s,
		registrar:  reg,
		cfg:        cfg,
		log:        logging.NewNop(),
		onDeviceID: func(string) {},
		onToken:    func(string) {},
		state:      newState(),
		lifetime:   context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "orchestrator")
	o.state.update(func(s *StateSnapshot) { s.Engine = string(store.Engine()) })
	return o
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() StateSnapshot {
	return o.state.snapshot()
}

// Subscribe returns a channel receiving the current state and every later
// change. Call the returned func to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan StateSnapshot, func()) {
	return o.state.subscribe()
}

// DeviceID returns the device id, empty before Init.
func (o *Orchestrator) DeviceID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deviceID
}

// Init prepares the local side: device id, reclaim of items left in
// processing by a previous run, and the initial state.
func (o *Orchestrator) Init(ctx context.Context) error {
	id, err := o.ensureDeviceID(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.deviceID = id
	o.mu.Unlock()
	o.onDeviceID(id)

	token, err := o.store.Metadata().Get(ctx, storage.KeyDeviceToken)
	if err != nil {
		return err
	}
	if len(token) > 0 {
		o.onToken(string(token))
	}

	// Nothing runs yet, so every processing item is an orphan.
	n, err := o.queue.Reclaim(ctx, 0)
	if err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	if n > 0 {
		o.log.Info(ctx, "reclaimed interrupted queue items", "count", n)
	}

	last, err := o.syncer.LastSyncAt(ctx)
	if err != nil {
		return err
	}
	online := o.monitor.IsOnline()
	o.state.update(func(s *StateSnapshot) {
		s.DeviceID = id
		s.LastSyncTimestamp = last
		s.IsOnline = online
		s.SyncStatus = idleStatus(online)
	})
	o.refresh(ctx)
	return nil
}

func (o *Orchestrator) ensureDeviceID(ctx context.Context) (string, error) {
	b, err := o.store.Metadata().Get(ctx, storage.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if len(b) > 0 {
		return string(b), nil
	}
	id := uuid.NewString()
	if err := o.store.Metadata().Set(ctx, storage.KeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	o.log.Info(ctx, "device id generated", "device_id", id)
	return id, nil
}

// Run initializes the orchestrator and runs its loops until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Init(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.lifetime = ctx
	o.mu.Unlock()

	o.monitor.OnOnline(func() { o.goOnline() })
	o.monitor.OnOffline(func() {
		o.state.update(func(s *StateSnapshot) {
			s.IsOnline = false
			s.SyncStatus = StatusOffline
		})
	})
	if o.monitor.IsOnline() {
		o.goOnline()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.monitor.Watch(gctx, o.cfg.OnlineCheckInterval) })
	g.Go(func() error {
		return every(gctx, o.cfg.DrainInterval, func(ctx context.Context) {
			if _, err := o.queue.ReclaimStale(ctx); err != nil {
				o.log.Warn(ctx, "reclaim stale failed", "error", err)
			}
			_, _ = o.TriggerDrain(ctx)
		})
	})
	g.Go(func() error {
		return every(gctx, o.cfg.SyncInterval, func(ctx context.Context) { _, _ = o.TriggerSync(ctx) })
	})
	g.Go(func() error {
		return every(gctx, o.cfg.PruneInterval, func(ctx context.Context) {
			n, err := o.queue.Prune(ctx, o.cfg.CompletedRetention)
			if err != nil {
				o.log.Warn(ctx, "prune failed", "error", err)
			} else if n > 0 {
				o.log.Debug(ctx, "pruned completed items", "count", n)
			}
		})
	})

	err := g.Wait()
	o.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func every(ctx context.Context, d time.Duration, fn func(ctx context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

func (o *Orchestrator) goOnline() {
	o.state.update(func(s *StateSnapshot) {
		s.IsOnline = true
		if s.SyncStatus == StatusOffline {
			s.SyncStatus = StatusIdle
		}
	})

	o.mu.Lock()
	ctx := o.lifetime
	o.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Reconnect(ctx)
	}()
}

// Reconnect runs the online-edge sequence: register, drain, sync.
func (o *Orchestrator) Reconnect(ctx context.Context) {
	if err := o.Register(ctx); err != nil {
		o.log.Warn(ctx, "device registration failed", "error", err)
	}
	if _, err := o.TriggerDrain(ctx); err != nil {
		return
	}
	_, _ = o.TriggerSync(ctx)
}

// Register announces the device once. A stored flag makes later calls
// no-ops.
func (o *Orchestrator) Register(ctx context.Context) error {
	b, err := o.store.Metadata().Get(ctx, storage.KeyDeviceRegistered)
	if err != nil {
		return err
	}
	if string(b) == "true" {
		return nil
	}

	id := o.DeviceID()
	if id == "" {
		return errors.New("device id is not initialized")
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()
	token, err := o.registrar.Register(rctx, models.DeviceInfo{
		DeviceID:   id,
		Name:       o.cfg.DeviceName,
		Platform:   o.cfg.Platform,
		AppVersion: o.cfg.AppVersion,
	})
	if err != nil {
		return err
	}
	if token != "" {
		if err := o.store.Metadata().Set(ctx, storage.KeyDeviceToken, []byte(token)); err != nil {
			return err
		}
		o.onToken(token)
	}
	o.log.Info(ctx, "device registered", "device_id", id, "token", token != "")
	return o.store.Metadata().Set(ctx, storage.KeyDeviceRegistered, []byte("true"))
}

// TriggerDrain runs one drain. Concurrent triggers share the drain in
// flight.
func (o *Orchestrator) TriggerDrain(ctx context.Context) (queue.DrainResult, error) {
	v, err := o.do(ctx, keyDrain, func(ctx context.Context) (any, error) {
		if !o.monitor.IsOnline() {
			o.markOffline()
			return queue.DrainResult{Aborted: true}, nil
		}
		o.setStatus(StatusDraining)
		res, err := o.queue.Drain(ctx)
		o.finish(ctx, err)
		return res, err
	})
	res, _ := v.(queue.DrainResult)
	return res, err
}

// TriggerSync runs one incremental sync round, sharing a round already in
// flight.
func (o *Orchestrator) TriggerSync(ctx context.Context) (syncer.Result, error) {
	v, err := o.do(ctx, keySync, func(ctx context.Context) (any, error) {
		if !o.monitor.IsOnline() {
			o.markOffline()
			return syncer.Result{}, common.ErrOffline
		}
		o.setStatus(StatusSyncing)
		res, err := o.syncer.Sync(ctx, nil)
		if err == nil {
			if last, lerr := o.syncer.LastSyncAt(ctx); lerr == nil && last != nil {
				o.state.update(func(s *StateSnapshot) { s.LastSyncTimestamp = last })
			}
		}
		o.finish(ctx, err)
		return res, err
	})
	res, _ := v.(syncer.Result)
	return res, err
}

// do runs fn once per key at a time. The shared run is bound to the
// orchestrator lifetime; a caller whose ctx ends stops waiting.
func (o *Orchestrator) do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	o.mu.Lock()
	life := o.lifetime
	o.mu.Unlock()

	ch := o.flight.DoChan(key, func() (any, error) {
		return fn(life)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

func (o *Orchestrator) setStatus(st SyncStatus) {
	o.state.update(func(s *StateSnapshot) { s.SyncStatus = st })
}

func (o *Orchestrator) markOffline() {
	o.state.update(func(s *StateSnapshot) {
		s.IsOnline = false
		s.SyncStatus = StatusOffline
	})
}

// finish records the outcome of a drain or sync and refreshes counters.
func (o *Orchestrator) finish(ctx context.Context, err error) {
	online := o.monitor.IsOnline()
	kind := common.Classify(err)
	o.state.update(func(s *StateSnapshot) {
		s.IsOnline = online
		switch {
		case err == nil:
			s.SyncStatus = idleStatus(online)
			s.LastError = ""
		case kind == common.KindOffline || !online:
			s.SyncStatus = StatusOffline
		case kind == common.KindCanceled:
			s.SyncStatus = idleStatus(online)
		default:
			s.SyncStatus = StatusError
			s.LastError = err.Error()
		}
	})
	if err != nil && kind != common.KindCanceled && kind != common.KindOffline {
		o.log.Warn(ctx, "sync task failed", "kind", kind, "error", err)
	}
	o.refresh(ctx)
}

// Refresh reloads the queue counters.
func (o *Orchestrator) Refresh(ctx context.Context) {
	o.refresh(ctx)
}

func (o *Orchestrator) refresh(ctx context.Context) {
	st, err := o.queue.Stats(ctx)
	if err != nil {
		o.log.Warn(ctx, "queue stats failed", "error", err)
		return
	}
	o.state.update(func(s *StateSnapshot) {
		s.PendingActions = st.Pending + st.Processing
		s.Failed = st.Failed
		s.Conflicts = st.Conflict
	})
}

func idleStatus(online bool) SyncStatus {
	if online {
		return StatusIdle
	}
	return StatusOffline
}
