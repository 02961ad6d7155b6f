// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-fieldsync/fielderr"
	"golang.org/x/sync/errgroup"
)

// Monitor is the connectivity source the orchestrator follows. NetworkMonitor implements it.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Sync triggers
const (
	TriggerManual   = "manual"
	TriggerNetwork  = "network"
	TriggerPeriodic = "periodic"
)

// OrchestratorConfig tunes the Orchestrator.
type OrchestratorConfig struct {
	SyncInterval time.Duration // Periodic pass; default 30s
	Parallelism  int           // Concurrent uploads within a kind; default 1
	CleanupAfter time.Duration // Mapping retention; default 7 days
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = 7 * 24 * time.Hour
	}
	return c
}

// KindResult counts the outcome of one kind within a pass.
type KindResult struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"` // Claimed by another sender
}

// OperationError describes one failed upload.
type OperationError struct {
	OfflineID string `json:"offline_id"`
	Kind      Kind   `json:"kind"`
	Status    Status `json:"status"` // pending (will retry) or error (needs a manual retry)
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// Result summarizes one sync pass.
type Result struct {
	Trigger         string               `json:"trigger"`
	StartedAt       time.Time            `json:"started_at"`
	FinishedAt      time.Time            `json:"finished_at"`
	Offline         bool                 `json:"offline,omitempty"`
	AlreadySyncing  bool                 `json:"already_syncing,omitempty"`
	Kinds           map[Kind]*KindResult `json:"kinds"`
	Errors          []OperationError     `json:"errors,omitempty"`
	CleanedMappings int64                `json:"cleaned_mappings,omitempty"`

	// Aborted is set when a queue failure or cancellation stopped the pass early.
	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
	Err         error  `json:"-"`

	mu sync.Mutex
}

func newResult(trigger string) *Result {
	r := &Result{Trigger: trigger, StartedAt: time.Now(), Kinds: make(map[Kind]*KindResult, len(Kinds))}
	for _, k := range Kinds {
		r.Kinds[k] = &KindResult{}
	}
	return r
}

// Synced returns the number of operations confirmed in this pass.
func (r *Result) Synced() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Synced
	}
	return n
}

// Failed returns the number of failed uploads in this pass.
func (r *Result) Failed() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Failed
	}
	return n
}

func (r *Result) kind(k Kind) *KindResult {
	kr, ok := r.Kinds[k]
	if !ok {
		kr = &KindResult{}
		r.Kinds[k] = kr
	}
	return kr
}

func (r *Result) synced(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kind(k).Synced++
}

func (r *Result) skipped(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kind(k).Skipped++
}

func (r *Result) failed(op *PendingOperation, status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kind(op.Kind).Failed++
	code := fielderr.CodeOf(err)
	if errors.Is(err, ErrParentNotReady) {
		code = "parent_not_ready"
	}
	r.Errors = append(r.Errors, OperationError{
		OfflineID: op.OfflineID,
		Kind:      op.Kind,
		Status:    status,
		Code:      code,
		Message:   err.Error(),
	})
}

// Orchestrator drains the queue in dependency order: visits, then orders, then photos.
// Only one pass runs at a time.
type Orchestrator struct {
	store    *Store
	adapters []Adapter
	monitor  Monitor
	config   OrchestratorConfig
	logger   *slog.Logger

	mu      sync.Mutex
	syncing bool
	closed  bool
	started bool

	listenersMu sync.Mutex
	listeners   []subscriberResult
	nextID      int

	unsubscribe func()
	cancel      context.CancelFunc
	ctx         context.Context
	wg          sync.WaitGroup
}

type subscriberResult struct {
	id int
	fn func(*Result)
}

// NewOrchestrator creates an orchestrator. adapters are drained in the order given.
// A nil monitor means the device is treated as always online.
func NewOrchestrator(store *Store, adapters []Adapter, monitor Monitor, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		adapters: adapters,
		monitor:  monitor,
		config:   config.withDefaults(),
		logger:   logger,
	}
}

// OnResult registers fn to receive every Result and returns a function that unregisters it.
func (o *Orchestrator) OnResult(fn func(*Result)) func() {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.nextID++
	id := o.nextID
	o.listeners = append(o.listeners, subscriberResult{id: id, fn: fn})
	return func() {
		o.listenersMu.Lock()
		defer o.listenersMu.Unlock()
		for i, l := range o.listeners {
			if l.id == id {
				o.listeners = append(o.listeners[:i:i], o.listeners[i+1:]...)
				return
			}
		}
	}
}

// IsSyncing reports whether a pass is running.
func (o *Orchestrator) IsSyncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// SyncNow runs a pass immediately. It returns ErrAlreadySyncing (with Result.AlreadySyncing set)
// when a pass is already running.
func (o *Orchestrator) SyncNow(ctx context.Context) (*Result, error) {
	return o.run(ctx, TriggerManual)
}

// Start syncs on reconnect and every SyncInterval while online, until Close or ctx is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.started {
		return nil
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)

	if o.monitor != nil {
		o.unsubscribe = o.monitor.Subscribe(func(online bool) {
			if online {
				o.trigger(TriggerNetwork)
			}
		})
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				if o.online() && !o.IsSyncing() {
					o.trigger(TriggerPeriodic)
				}
			}
		}
	}()

	o.logger.Info("Sync orchestrator started", "interval", o.config.SyncInterval, "parallelism", o.config.Parallelism)
	return nil
}

// Close stops timers, unsubscribes from the monitor and waits for a running pass.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
	return nil
}

// trigger starts a background pass.
func (o *Orchestrator) trigger(trigger string) {
	o.mu.Lock()
	if o.closed || o.ctx == nil {
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if _, err := o.run(ctx, trigger); err != nil {
			if errors.Is(err, ErrAlreadySyncing) {
				o.logger.Debug("Sync already in progress", "trigger", trigger)
				return
			}
			if ctx.Err() == nil {
				o.logger.Error("Sync pass failed", "trigger", trigger, "error", err)
			}
		}
	}()
}

func (o *Orchestrator) online() bool {
	return o.monitor == nil || o.monitor.Online()
}

func (o *Orchestrator) run(ctx context.Context, trigger string) (*Result, error) {
	res := newResult(trigger)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.syncing {
		o.mu.Unlock()
		res.AlreadySyncing = true
		res.FinishedAt = time.Now()
		return res, ErrAlreadySyncing
	}
	o.syncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	if !o.online() {
		res.Offline = true
		res.FinishedAt = time.Now()
		o.logger.Debug("Skipping sync while offline", "trigger", trigger)
		o.publish(res)
		return res, nil
	}

	o.logger.Debug("Sync pass started", "trigger", trigger)
	var passErr error
	for _, a := range o.adapters {
		if err := o.syncKind(ctx, a, res); err != nil {
			passErr = err
			break
		}
	}

	if passErr == nil {
		n, err := o.store.CleanupMappings(ctx, o.config.CleanupAfter)
		if err != nil {
			o.logger.Warn("Mapping cleanup failed", "error", err)
		}
		res.CleanedMappings = n
	}

	res.FinishedAt = time.Now()
	if passErr != nil {
		res.Aborted = true
		res.AbortReason = passErr.Error()
		res.Err = passErr
		o.logger.Warn("Sync pass aborted", "trigger", trigger, "error", passErr)
	}
	o.logger.Info("Sync pass finished",
		"trigger", trigger,
		"synced", res.Synced(),
		"failed", res.Failed(),
		"duration", res.FinishedAt.Sub(res.StartedAt))
	o.publish(res)
	return res, passErr
}

// syncKind uploads every pending operation of one kind. Operations of a kind are independent
// of each other; store failures abort the pass.
func (o *Orchestrator) syncKind(ctx context.Context, a Adapter, res *Result) error {
	ops, err := o.store.ListPending(ctx, a.Kind())
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)
	for i := range ops {
		op := &ops[i]
		g.Go(func() error {
			return o.syncOne(gctx, a, op, res)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) syncOne(ctx context.Context, a Adapter, op *PendingOperation, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.store.MarkSyncing(ctx, a.Kind(), op.OfflineID); err != nil {
		if errors.Is(err, ErrNotClaimable) {
			res.skipped(a.Kind())
			return nil
		}
		return err
	}

	req, err := a.BuildRequest(ctx, op, o.store.ResolveServerID)
	var rec *Record
	if err == nil {
		rec, err = a.Send(ctx, req)
	}

	if err == nil {
		// The server has committed; recording it must outlive a cancelled pass.
		done := context.WithoutCancel(ctx)
		if err := a.OnSuccess(done, op, rec); err != nil {
			if rerr := o.store.Release(done, a.Kind(), op.OfflineID); rerr != nil {
				o.logger.Warn("Failed to release operation", "offline_id", op.OfflineID, "error", rerr)
			}
			return err
		}
		if err := o.store.Remove(done, a.Kind(), op.OfflineID); err != nil {
			return err
		}
		res.synced(a.Kind())
		return nil
	}

	if ctx.Err() != nil {
		// Interrupted, not failed
		if rerr := o.store.Release(context.WithoutCancel(ctx), a.Kind(), op.OfflineID); rerr != nil {
			o.logger.Warn("Failed to release operation", "offline_id", op.OfflineID, "error", rerr)
		}
		return ctx.Err()
	}

	status, ferr := a.OnFailure(ctx, op, err)
	if ferr != nil {
		return ferr
	}
	res.failed(op, status, err)
	return nil
}

func (o *Orchestrator) publish(res *Result) {
	o.listenersMu.Lock()
	listeners := append([]subscriberResult(nil), o.listeners...)
	o.listenersMu.Unlock()
	for _, l := range listeners {
		l.fn(res)
	}
}
