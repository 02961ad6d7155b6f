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
)

// Store and assignment management is out of the sync API. These helpers back the
// seed-store command and tests.

// UpsertStore creates a store or updates its name and coordinates.
func (s *Service) UpsertStore(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return nil, fielderr.Validation("latitude and longitude must be set together")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	e := &StoreEntity{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stores (id, name, latitude, longitude)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude
		RETURNING id::text, name, latitude, longitude`,
		id, req.Name, req.Latitude, req.Longitude,
	).Scan(&e.ID, &e.Name, &e.Latitude, &e.Longitude)
	if err != nil {
		return nil, fmt.Errorf("upsert store: %w", err)
	}
	s.logger.Info("Store saved", "store_id", e.ID, "name", e.Name, "geolocated", e.Location() != nil)
	return e.toResponse(), nil
}

// AssignStore lets userID record visits at storeID. Assigning twice is a no-op.
func (s *Service) AssignStore(ctx context.Context, userID, storeID string) error {
	if userID == "" {
		return fielderr.Validation("user id is required")
	}
	if _, err := s.loadStore(ctx, s.pool, storeID); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO store_assignments (user_id, store_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, storeID); err != nil {
		return fmt.Errorf("assign store: %w", err)
	}
	return nil
}

func (s *Service) loadStore(ctx context.Context, q querier, storeID string) (*StoreEntity, error) {
	if _, err := uuid.Parse(storeID); err != nil {
		return nil, fielderr.Validation("invalid store id %q", storeID)
	}
	e := &StoreEntity{}
	err := q.QueryRow(ctx, `SELECT id::text, name, latitude, longitude FROM stores WHERE id = $1`, storeID).
		Scan(&e.ID, &e.Name, &e.Latitude, &e.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fielderr.NotFound(EntityStore, storeID)
	}
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	return e, nil
}

func (s *Service) checkAssignment(ctx context.Context, q querier, actor auth.Actor, storeID string) error {
	if actor.IsAdmin() {
		return nil
	}
	var assigned bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM store_assignments WHERE user_id = $1 AND store_id = $2)`,
		actor.UserID, storeID).Scan(&assigned)
	if err != nil {
		return fmt.Errorf("check store assignment: %w", err)
	}
	if !assigned {
		return fielderr.Forbidden("user %s is not assigned to store %s", actor.UserID, storeID)
	}
	return nil
}
