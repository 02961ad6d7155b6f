// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldqueue is the device side of field synchronization. Visits, orders and photos
// recorded without connectivity are kept in a durable SQLite queue and replayed against the
// fieldsync server when the network comes back, visits first.
package fieldqueue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Kind is the entity type of a queued operation.
type Kind string

const (
	KindVisit Kind = "visit"
	KindOrder Kind = "order"
	KindPhoto Kind = "photo"
)

// Kinds lists every kind in dependency order: parents sync before children.
var Kinds = []Kind{KindVisit, KindOrder, KindPhoto}

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// DefaultMaxAttempts is the number of failed sends after which an operation needs a manual retry.
const DefaultMaxAttempts = 3

var (
	// ErrNotClaimable is returned by MarkSyncing when the operation is not pending.
	ErrNotClaimable = errors.New("operation is not pending")
	// ErrNotRetryable is returned by Retry when the operation is not in the error state.
	ErrNotRetryable = errors.New("operation is not in error state")
	// ErrNotFound is returned for unknown offline ids.
	ErrNotFound = errors.New("operation not found")
	// ErrParentNotReady means the visit an order or photo belongs to has no server id yet.
	ErrParentNotReady = errors.New("parent visit is not synced yet")
	// ErrAlreadySyncing is returned when a sync pass is requested while one is running.
	ErrAlreadySyncing = errors.New("sync already in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("fieldqueue: closed")
)

// PendingOperation is one queued, not yet confirmed operation.
type PendingOperation struct {
	OfflineID string          `json:"offline_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	DependsOn string          `json:"depends_on,omitempty"` // Offline id of the parent visit
	Status    Status          `json:"sync_status"`
	Attempts  int             `json:"sync_attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SyncedAt  *time.Time      `json:"synced_at,omitempty"`
}

// OfflineMapping links an offline id to the id the server assigned.
type OfflineMapping struct {
	OfflineID       string    `json:"offline_id"`
	ServerID        string    `json:"server_id"`
	Kind            Kind      `json:"entity_type"`
	ParentOfflineID string    `json:"parent_offline_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// KindCounts is the number of queued operations of one kind per status.
type KindCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Error   int `json:"error"`
}

// Payloads stored in PendingOperation.Payload.

// VisitPayload is a queued check-in.
type VisitPayload struct {
	StoreID   string    `json:"store_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	VisitedAt time.Time `json:"visited_at"`
}

// OrderPayload is a queued order. Prices are decimals, never floats.
type OrderPayload struct {
	VisitOfflineID string                       `json:"visit_offline_id"`
	Items          []fieldsync.OrderItemRequest `json:"items"`
	Notes          string                       `json:"notes,omitempty"`
}

// PhotoPayload is a queued photo. The bytes live in the blob table.
type PhotoPayload struct {
	VisitOfflineID string `json:"visit_offline_id"`
	ContentType    string `json:"content_type"`
	Caption        string `json:"caption,omitempty"`
	SizeBytes      int64  `json:"size_bytes"`
}
