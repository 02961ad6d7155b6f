// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/geo"
)

// VisitInput is a check-in recorded by the field agent.
type VisitInput struct {
	StoreID   string    `json:"store_id" validate:"required,uuid"`
	Latitude  float64   `json:"latitude" validate:"latitude"`
	Longitude float64   `json:"longitude" validate:"longitude"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	VisitedAt time.Time `json:"visited_at"` // Default: now
	// StoreLocation enables the advisory geofence check when the device knows where the store is.
	StoreLocation *geo.Point `json:"-"`
}

// VisitAdapter uploads check-ins.
type VisitAdapter struct {
	baseAdapter
	maxDistance float64
}

// NewVisitAdapter creates the visit adapter.
func NewVisitAdapter(store *Store, transport *Transport, opts AdapterOptions) *VisitAdapter {
	a := &VisitAdapter{
		baseAdapter: newBaseAdapter(KindVisit, store, transport, opts),
		maxDistance: geo.MaxVisitDistanceMeters,
	}
	a.build = a.buildRequest
	return a
}

// Create validates a check-in and sends or queues it.
func (a *VisitAdapter) Create(ctx context.Context, in VisitInput) (*Created, error) {
	if err := fieldsync.Validate(&in); err != nil {
		return nil, err
	}
	if in.StoreLocation != nil {
		position := geo.Point{Latitude: in.Latitude, Longitude: in.Longitude}
		if err := geo.CheckDistance(geo.Distance(position, *in.StoreLocation), a.maxDistance); err != nil {
			return nil, err
		}
	}
	if in.VisitedAt.IsZero() {
		in.VisitedAt = time.Now()
	}
	return a.create(ctx, VisitPayload{
		StoreID:   in.StoreID,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		Accuracy:  in.Accuracy,
		VisitedAt: in.VisitedAt.UTC(),
	}, "", nil)
}

func (a *VisitAdapter) buildRequest(_ context.Context, op *PendingOperation, _ []byte, _ Resolver) (*SyncRequest, error) {
	var p VisitPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode visit payload %s: %w", op.OfflineID, err)
	}
	visitedAt := p.VisitedAt
	return &SyncRequest{
		OfflineID: op.OfflineID,
		Path:      "/visits/sync",
		Body: fieldsync.VisitRequest{
			OfflineID: op.OfflineID,
			StoreID:   p.StoreID,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Accuracy:  p.Accuracy,
			VisitedAt: &visitedAt,
		},
	}, nil
}
