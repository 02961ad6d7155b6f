// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
	"github.com/shopspring/decimal"
)

// SyncOrder reconciles an order created offline. Replaying an offline id returns the order
// created the first time with Replayed set.
func (s *Service) SyncOrder(ctx context.Context, actor auth.Actor, req *OrderRequest) (*OrderResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	out, err := s.syncOrder(ctx, actor, req)
	s.observeStage(ctx, MetricsOpSyncOrder, MetricsStageTotal, start, 1, 1, err != nil)
	return out, err
}

func (s *Service) syncOrder(ctx context.Context, actor auth.Actor, req *OrderRequest) (*OrderResponse, error) {
	if req.OfflineID == "" {
		return nil, fielderr.Validation("offline_id is required").WithDetail("fields", map[string]any{"offline_id": "required"})
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	existing, err := s.findOrderByOfflineID(ctx, s.pool, actor, req.OfflineID)
	if err != nil || existing != nil {
		return existing, err
	}

	out, err := s.insertOrder(ctx, MetricsOpSyncOrder, actor, req, OrderSynced, true)
	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case constraintOrderOfflineID:
			existing, ferr := s.findOrderByOfflineID(ctx, s.pool, actor, req.OfflineID)
			if ferr != nil || existing != nil {
				return existing, ferr
			}
		case constraintOrderVisitID:
			return nil, fielderr.Conflict(fielderr.CodeOrderExists, "visit %s already has an order", req.VisitID)
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order synced", "order_id", out.ID, "offline_id", req.OfflineID, "visit_id", out.VisitID,
		"total", out.Total.StringFixed(2), "items", len(out.Items), "replayed", out.Replayed)
	return out, nil
}

// CreateOrder records an order placed while online. Direct orders start PENDING.
func (s *Service) CreateOrder(ctx context.Context, actor auth.Actor, req *OrderRequest) (*OrderResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	req.OfflineID = ""
	err := validateRequest(req)
	var out *OrderResponse
	if err == nil {
		out, err = s.insertOrder(ctx, MetricsOpCreateOrder, actor, req, OrderPending, false)
		if constraint, ok := uniqueViolation(err); ok && constraint == constraintOrderVisitID {
			err = fielderr.Conflict(fielderr.CodeOrderExists, "visit %s already has an order", req.VisitID)
		}
	}
	s.observeStage(ctx, MetricsOpCreateOrder, MetricsStageTotal, start, 1, 1, err != nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Order created", "order_id", out.ID, "visit_id", out.VisitID, "total", out.Total.StringFixed(2))
	return out, nil
}

// GetOrder returns an order with its items.
func (s *Service) GetOrder(ctx context.Context, actor auth.Actor, id string) (*OrderResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fielderr.Validation("invalid order id %q", id)
	}
	e := &OrderEntity{}
	err := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id).Scan(e.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fielderr.NotFound(EntityOrder, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	if !actor.CanAccess(e.UserID) {
		return nil, fielderr.Forbidden("order %s belongs to another user", id)
	}
	return s.orderWithItems(ctx, s.pool, e)
}

// OrderTotal sums quantity * unit price over the items, each price rounded to cents first.
func OrderTotal(items []OrderItemRequest) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Round(2).Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

func (s *Service) insertOrder(ctx context.Context, op string, actor auth.Actor, req *OrderRequest, status string, offline bool) (*OrderResponse, error) {
	var out *OrderResponse
	err := s.runTx(ctx, op, func(tx pgx.Tx) error {
		if _, err := s.lockVisit(ctx, tx, actor, req.VisitID); err != nil {
			return err
		}
		if offline {
			// Re-check under the visit lock: a concurrent replay may have committed meanwhile.
			existing, err := s.findOrderByOfflineID(ctx, tx, actor, req.OfflineID)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
		}

		var existingID string
		err := tx.QueryRow(ctx, `SELECT id::text FROM orders WHERE visit_id = $1`, req.VisitID).Scan(&existingID)
		if err == nil {
			return fielderr.Conflict(fielderr.CodeOrderExists, "visit %s already has an order", req.VisitID).
				WithDetail("order_id", existingID)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check existing order: %w", err)
		}

		var offlineID *string
		if offline {
			offlineID = nullableString(req.OfflineID)
		}
		e := &OrderEntity{}
		err = tx.QueryRow(ctx, `
			INSERT INTO orders (id, offline_id, visit_id, user_id, status, total, notes)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
			RETURNING `+orderColumns,
			uuid.NewString(), offlineID, req.VisitID, actor.UserID, status, OrderTotal(req.Items).StringFixed(2), req.Notes,
		).Scan(e.scanTargets()...)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		items := make([]OrderItemEntity, len(req.Items))
		batch := &pgx.Batch{}
		for i, it := range req.Items {
			items[i] = OrderItemEntity{
				ID:        uuid.NewString(),
				OrderID:   e.ID,
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				UnitPrice: it.UnitPrice.Round(2).StringFixed(2),
				Position:  i,
			}
			batch.Queue(`
				INSERT INTO order_items (id, order_id, product_id, quantity, unit_price, position)
				VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
				items[i].ID, items[i].OrderID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice, items[i].Position)
		}
		br := tx.SendBatch(ctx, batch)
		for range items {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to insert order items: %w", err)
		}

		out, err = e.toResponse(items)
		return err
	})
	return out, err
}

func (s *Service) findOrderByOfflineID(ctx context.Context, q querier, actor auth.Actor, offlineID string) (*OrderResponse, error) {
	e := &OrderEntity{}
	err := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE offline_id = $1`, offlineID).Scan(e.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up order by offline id: %w", err)
	}
	if !actor.CanAccess(e.UserID) {
		return nil, fielderr.Forbidden("order %s belongs to another user", offlineID)
	}
	out, err := s.orderWithItems(ctx, q, e)
	if err != nil {
		return nil, err
	}
	out.Replayed = true
	s.logger.Debug("Order replay answered with existing record", "order_id", out.ID, "offline_id", offlineID)
	return out, nil
}

func (s *Service) orderWithItems(ctx context.Context, q querier, e *OrderEntity) (*OrderResponse, error) {
	rows, err := q.Query(ctx, `
		SELECT id::text, order_id::text, product_id, quantity, unit_price::text, position
		FROM order_items WHERE order_id = $1 ORDER BY position`, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItemEntity
	for rows.Next() {
		var it OrderItemEntity
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.Position); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return e.toResponse(items)
}
