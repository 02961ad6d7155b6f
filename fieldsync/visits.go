// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
	"github.com/mobiletoly/go-fieldsync/internal/geo"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SyncVisit reconciles a visit created offline. A replayed offline id answers with an
// already_synced conflict carrying the id of the visit created the first time.
func (s *Service) SyncVisit(ctx context.Context, actor auth.Actor, req *VisitRequest) (*VisitResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	out, err := s.syncVisit(ctx, actor, req)
	_, replay := fielderr.IsAlreadySynced(err)
	s.observeStage(ctx, MetricsOpSyncVisit, MetricsStageTotal, start, 1, 1, err != nil && !replay)
	return out, err
}

func (s *Service) syncVisit(ctx context.Context, actor auth.Actor, req *VisitRequest) (*VisitResponse, error) {
	if req.OfflineID == "" {
		return nil, fielderr.Validation("offline_id is required").WithDetail("fields", map[string]any{"offline_id": "required"})
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	existing, err := s.findVisitByOfflineID(ctx, s.pool, req.OfflineID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, visitReplay(actor, existing, req.OfflineID)
	}

	out, err := s.insertVisit(ctx, MetricsOpSyncVisit, actor, req, true)
	if constraint, ok := uniqueViolation(err); ok && constraint == constraintVisitOfflineID {
		// A concurrent replay of the same offline id committed first.
		existing, ferr := s.findVisitByOfflineID(ctx, s.pool, req.OfflineID)
		if ferr != nil {
			return nil, ferr
		}
		if existing != nil {
			return nil, visitReplay(actor, existing, req.OfflineID)
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Visit synced", "visit_id", out.ID, "offline_id", req.OfflineID, "user_id", actor.UserID)
	return out, nil
}

func visitReplay(actor auth.Actor, existing *VisitEntity, offlineID string) error {
	if !actor.CanAccess(existing.UserID) {
		return fielderr.Forbidden("visit %s belongs to another user", offlineID)
	}
	return fielderr.AlreadySynced(EntityVisit, offlineID, existing.ID)
}

// CreateVisit records a visit made while online. It shares every check with SyncVisit.
func (s *Service) CreateVisit(ctx context.Context, actor auth.Actor, req *VisitRequest) (*VisitResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	req.OfflineID = ""
	err := validateRequest(req)
	var out *VisitResponse
	if err == nil {
		out, err = s.insertVisit(ctx, MetricsOpCreateVisit, actor, req, false)
	}
	s.observeStage(ctx, MetricsOpCreateVisit, MetricsStageTotal, start, 1, 1, err != nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Visit created", "visit_id", out.ID, "user_id", actor.UserID)
	return out, nil
}

// GetVisit returns a visit owned by the actor (or any visit for an admin).
func (s *Service) GetVisit(ctx context.Context, actor auth.Actor, id string) (*VisitResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fielderr.Validation("invalid visit id %q", id)
	}
	e := &VisitEntity{}
	err := s.pool.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE id = $1`, id).Scan(e.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fielderr.NotFound(EntityVisit, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load visit %s: %w", id, err)
	}
	if !actor.CanAccess(e.UserID) {
		return nil, fielderr.Forbidden("visit %s belongs to another user", id)
	}
	return e.toResponse(), nil
}

func (s *Service) insertVisit(ctx context.Context, op string, actor auth.Actor, req *VisitRequest, offline bool) (*VisitResponse, error) {
	var out *VisitResponse
	err := s.runTx(ctx, op, func(tx pgx.Tx) error {
		store, err := s.loadStore(ctx, tx, req.StoreID)
		if err != nil {
			return err
		}
		if err := s.checkAssignment(ctx, tx, actor, store.ID); err != nil {
			return err
		}

		var distance *float64
		if loc := store.Location(); loc != nil {
			d := geo.Distance(geo.Point{Latitude: req.Latitude, Longitude: req.Longitude}, *loc)
			if err := geo.CheckDistance(d, s.config.MaxVisitDistanceMeters); err != nil {
				return err
			}
			distance = &d
		}

		visitedAt := time.Now().UTC()
		if req.VisitedAt != nil && !req.VisitedAt.IsZero() {
			visitedAt = req.VisitedAt.UTC()
		}
		var offlineID *string
		if offline {
			offlineID = nullableString(req.OfflineID)
		}

		e := &VisitEntity{}
		err = tx.QueryRow(ctx, `
			INSERT INTO visits (id, offline_id, user_id, device_id, store_id, latitude, longitude, accuracy, distance_m, visited_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+visitColumns,
			uuid.NewString(), offlineID, actor.UserID, actor.DeviceID, store.ID,
			req.Latitude, req.Longitude, req.Accuracy, distance, visitedAt,
		).Scan(e.scanTargets()...)
		if err != nil {
			return fmt.Errorf("failed to insert visit: %w", err)
		}
		out = e.toResponse()
		return nil
	})
	return out, err
}

func (s *Service) findVisitByOfflineID(ctx context.Context, q querier, offlineID string) (*VisitEntity, error) {
	e := &VisitEntity{}
	err := q.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE offline_id = $1`, offlineID).Scan(e.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up visit by offline id: %w", err)
	}
	return e, nil
}

// lockVisit loads a visit FOR UPDATE and checks the actor may extend it. Every order or photo
// insert for the same visit serializes on this lock.
func (s *Service) lockVisit(ctx context.Context, tx pgx.Tx, actor auth.Actor, visitID string) (*VisitEntity, error) {
	e := &VisitEntity{}
	err := tx.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE id = $1 FOR UPDATE`, visitID).Scan(e.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fielderr.NotFound(EntityVisit, visitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock visit %s: %w", visitID, err)
	}
	if !actor.CanAccess(e.UserID) {
		return nil, fielderr.Forbidden("visit %s belongs to another user", visitID)
	}
	return e, nil
}
