// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

// orderTransitions lists the statuses reachable from each status. COMPLETED and CANCELLED are terminal.
var orderTransitions = map[string][]string{
	OrderPending:    {OrderSynced, OrderProcessing, OrderCancelled},
	OrderSynced:     {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderCompleted, OrderCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	return slices.Contains(orderTransitions[from], to)
}

// UpdateOrderStatus moves an order along the status machine.
func (s *Service) UpdateOrderStatus(ctx context.Context, actor auth.Actor, orderID string, req *OrderStatusRequest) (*OrderResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, fielderr.Validation("invalid order id %q", orderID)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	start := s.stageStart()
	var out *OrderResponse
	err := s.runTx(ctx, MetricsOpUpdateStatus, func(tx pgx.Tx) error {
		e := &OrderEntity{}
		err := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(e.scanTargets()...)
		if errors.Is(err, pgx.ErrNoRows) {
			return fielderr.NotFound(EntityOrder, orderID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order %s: %w", orderID, err)
		}
		if !actor.CanAccess(e.UserID) {
			return fielderr.Forbidden("order %s belongs to another user", orderID)
		}
		if !CanTransition(e.Status, req.Status) {
			return fielderr.Conflict(fielderr.CodeInvalidState, "order %s cannot move from %s to %s", orderID, e.Status, req.Status).
				WithDetail("from", e.Status).
				WithDetail("to", req.Status)
		}

		err = tx.QueryRow(ctx, `
			UPDATE orders SET status = $2, updated_at = now()
			WHERE id = $1
			RETURNING `+orderColumns, orderID, req.Status).Scan(e.scanTargets()...)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		out, err = s.orderWithItems(ctx, tx, e)
		return err
	})
	s.observeStage(ctx, MetricsOpUpdateStatus, MetricsStageTotal, start, 1, 1, err != nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Order status updated", "order_id", orderID, "status", out.Status, "user_id", actor.UserID)
	return out, nil
}
