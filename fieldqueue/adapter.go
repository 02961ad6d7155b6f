// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fielderr"
)

// Resolver maps an offline id to the server id, reporting false when none is known yet.
type Resolver func(ctx context.Context, offlineID string) (serverID string, ok bool, err error)

// SyncRequest is one prepared upload. JSON requests set Body; multipart requests set Fields and File.
type SyncRequest struct {
	OfflineID string
	Path      string
	Body      any
	Fields    map[string]string
	File      *FilePart
}

// Record is the server's confirmation of an upload.
type Record struct {
	ServerID string
	Status   int
	Replayed bool // The server already had it
}

// Adapter knows how to upload one kind of operation.
type Adapter interface {
	Kind() Kind
	// TrySendDirect uploads an operation that was never queued.
	TrySendDirect(ctx context.Context, op *PendingOperation, blob []byte) (*Record, error)
	BuildRequest(ctx context.Context, op *PendingOperation, resolve Resolver) (*SyncRequest, error)
	Send(ctx context.Context, req *SyncRequest) (*Record, error)
	OnSuccess(ctx context.Context, op *PendingOperation, rec *Record) error
	// OnFailure counts the failed attempt and returns the resulting status.
	OnFailure(ctx context.Context, op *PendingOperation, err error) (Status, error)
}

// Connectivity reports whether the device is online. NetworkMonitor implements it.
type Connectivity interface {
	Online() bool
}

// AdapterOptions are shared by every adapter.
type AdapterOptions struct {
	Online      Connectivity // Nil means always queue
	MaxAttempts int          // Default 3
	Logger      *slog.Logger
}

// Created describes the outcome of a Create call.
type Created struct {
	OfflineID string `json:"offline_id"`
	ServerID  string `json:"server_id,omitempty"` // Empty while queued
	Queued    bool   `json:"queued"`
}

type baseAdapter struct {
	kind        Kind
	store       *Store
	transport   *Transport
	online      Connectivity
	maxAttempts int
	logger      *slog.Logger
	build       func(ctx context.Context, op *PendingOperation, blob []byte, resolve Resolver) (*SyncRequest, error)
}

func newBaseAdapter(kind Kind, store *Store, transport *Transport, opts AdapterOptions) baseAdapter {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return baseAdapter{
		kind:        kind,
		store:       store,
		transport:   transport,
		online:      opts.Online,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger.With("kind", string(kind)),
	}
}

func (a *baseAdapter) Kind() Kind { return a.kind }

func (a *baseAdapter) TrySendDirect(ctx context.Context, op *PendingOperation, blob []byte) (*Record, error) {
	req, err := a.build(ctx, op, blob, a.store.ResolveServerID)
	if err != nil {
		return nil, err
	}
	return a.Send(ctx, req)
}

func (a *baseAdapter) BuildRequest(ctx context.Context, op *PendingOperation, resolve Resolver) (*SyncRequest, error) {
	return a.build(ctx, op, nil, resolve)
}

// Send uploads req. A 409 already_synced answer is a success carrying the existing server id.
func (a *baseAdapter) Send(ctx context.Context, req *SyncRequest) (*Record, error) {
	var out struct {
		ID       string `json:"id"`
		Replayed bool   `json:"replayed"`
	}
	var (
		status int
		err    error
	)
	if req.File != nil {
		status, err = a.transport.PostMultipart(ctx, req.Path, req.Fields, *req.File, &out)
	} else {
		status, err = a.transport.PostJSON(ctx, req.Path, req.Body, &out)
	}
	if err != nil {
		if serverID, ok := fielderr.IsAlreadySynced(err); ok && serverID != "" {
			a.logger.Debug("Server already has operation", "offline_id", req.OfflineID, "server_id", serverID)
			return &Record{ServerID: serverID, Status: http.StatusConflict, Replayed: true}, nil
		}
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("server answered %d without an id", status)
	}
	return &Record{ServerID: out.ID, Status: status, Replayed: out.Replayed}, nil
}

func (a *baseAdapter) OnSuccess(ctx context.Context, op *PendingOperation, rec *Record) error {
	if err := a.store.MarkSynced(ctx, a.kind, op.OfflineID, rec.ServerID); err != nil {
		return err
	}
	a.logger.Debug("Operation synced", "offline_id", op.OfflineID, "server_id", rec.ServerID, "replayed", rec.Replayed)
	return nil
}

func (a *baseAdapter) OnFailure(ctx context.Context, op *PendingOperation, cause error) (Status, error) {
	status, attempts, err := a.store.RecordFailure(ctx, a.kind, op.OfflineID, failureDetail(cause), a.maxAttempts)
	if err != nil {
		return "", err
	}
	if status == StatusError {
		a.logger.Warn("Operation failed permanently", "offline_id", op.OfflineID, "attempts", attempts, "error", cause)
	} else {
		a.logger.Debug("Operation failed, will retry", "offline_id", op.OfflineID, "attempts", attempts, "error", cause)
	}
	return status, nil
}

// create validates nothing itself: callers validate input first. It uploads directly when
// online and falls back to the queue when the device is offline, the parent has no server id
// yet, or the upload hits a network failure. Other failures are returned to the caller.
func (a *baseAdapter) create(ctx context.Context, payload any, dependsOn string, blob []byte) (*Created, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", a.kind, err)
	}
	op := &PendingOperation{
		OfflineID: uuid.NewString(),
		Kind:      a.kind,
		Payload:   data,
		DependsOn: dependsOn,
		Status:    StatusPending,
	}

	if a.online != nil && a.online.Online() {
		rec, err := a.TrySendDirect(ctx, op, blob)
		switch {
		case err == nil:
			if err := a.store.SaveMapping(ctx, op.OfflineID, rec.ServerID, a.kind, dependsOn); err != nil {
				return nil, err
			}
			a.logger.Info("Sent directly", "offline_id", op.OfflineID, "server_id", rec.ServerID)
			return &Created{OfflineID: op.OfflineID, ServerID: rec.ServerID}, nil
		case errors.Is(err, ErrParentNotReady), fielderr.IsRetryable(err):
			a.logger.Info("Direct send unavailable, queuing", "offline_id", op.OfflineID, "error", err)
		default:
			return nil, err
		}
	}

	// The same offline id is queued so a request that reached the server is replayed idempotently.
	if err := a.store.addPending(ctx, op.OfflineID, a.kind, data, dependsOn, blob); err != nil {
		return nil, err
	}
	a.logger.Info("Queued for sync", "offline_id", op.OfflineID)
	return &Created{OfflineID: op.OfflineID, Queued: true}, nil
}

// resolveParent returns the server id of the parent visit or ErrParentNotReady.
func resolveParent(ctx context.Context, resolve Resolver, visitOfflineID string) (string, error) {
	serverID, ok, err := resolve(ctx, visitOfflineID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("visit %s: %w", visitOfflineID, ErrParentNotReady)
	}
	return serverID, nil
}

func failureDetail(err error) string {
	var fe *fielderr.Error
	if errors.As(err, &fe) && len(fe.Details) > 0 {
		if details, jerr := json.Marshal(fe.Details); jerr == nil {
			return fmt.Sprintf("%s %s", fe.Error(), details)
		}
	}
	return err.Error()
}
