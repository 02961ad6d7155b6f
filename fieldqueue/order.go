// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// OrderInput is an order taken during a visit.
type OrderInput struct {
	VisitOfflineID string                       `json:"visit_offline_id" validate:"required,uuid"`
	Items          []fieldsync.OrderItemRequest `json:"items" validate:"required,min=1,max=200,order_total,dive"`
	Notes          string                       `json:"notes" validate:"max=1000"`
}

// OrderAdapter uploads orders once their visit has a server id.
type OrderAdapter struct {
	baseAdapter
}

// NewOrderAdapter creates the order adapter.
func NewOrderAdapter(store *Store, transport *Transport, opts AdapterOptions) *OrderAdapter {
	a := &OrderAdapter{baseAdapter: newBaseAdapter(KindOrder, store, transport, opts)}
	a.build = a.buildRequest
	return a
}

// Create validates an order and sends or queues it.
func (a *OrderAdapter) Create(ctx context.Context, in OrderInput) (*Created, error) {
	if err := fieldsync.Validate(&in); err != nil {
		return nil, err
	}
	if err := requireKnownVisit(ctx, a.store, in.VisitOfflineID); err != nil {
		return nil, err
	}
	return a.create(ctx, OrderPayload{
		VisitOfflineID: in.VisitOfflineID,
		Items:          in.Items,
		Notes:          in.Notes,
	}, in.VisitOfflineID, nil)
}

func (a *OrderAdapter) buildRequest(ctx context.Context, op *PendingOperation, _ []byte, resolve Resolver) (*SyncRequest, error) {
	var p OrderPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode order payload %s: %w", op.OfflineID, err)
	}
	visitID, err := resolveParent(ctx, resolve, p.VisitOfflineID)
	if err != nil {
		return nil, err
	}
	return &SyncRequest{
		OfflineID: op.OfflineID,
		Path:      "/orders/sync",
		Body: fieldsync.OrderRequest{
			OfflineID: op.OfflineID,
			VisitID:   visitID,
			Items:     p.Items,
			Notes:     p.Notes,
		},
	}, nil
}

func requireKnownVisit(ctx context.Context, store *Store, visitOfflineID string) error {
	known, err := store.KnownVisit(ctx, visitOfflineID)
	if err != nil {
		return err
	}
	if !known {
		return fielderr.NotFound(fieldsync.EntityVisit, visitOfflineID)
	}
	return nil
}
