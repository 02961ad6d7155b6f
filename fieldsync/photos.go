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

// SyncPhoto reconciles a photo taken offline. Replaying an offline id returns the photo
// stored the first time with Replayed set.
func (s *Service) SyncPhoto(ctx context.Context, actor auth.Actor, req *PhotoRequest) (*PhotoResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	out, err := s.syncPhoto(ctx, actor, req)
	s.observeStage(ctx, MetricsOpSyncPhoto, MetricsStageTotal, start, 1, 1, err != nil)
	return out, err
}

func (s *Service) syncPhoto(ctx context.Context, actor auth.Actor, req *PhotoRequest) (*PhotoResponse, error) {
	if req.OfflineID == "" {
		return nil, fielderr.Validation("offline_id is required").WithDetail("fields", map[string]any{"offline_id": "required"})
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	existing, err := s.findPhotoByOfflineID(ctx, s.pool, actor, req.OfflineID)
	if err != nil || existing != nil {
		return existing, err
	}

	out, err := s.insertPhoto(ctx, MetricsOpSyncPhoto, actor, req, true)
	if constraint, ok := uniqueViolation(err); ok && constraint == constraintPhotoOfflineID {
		existing, ferr := s.findPhotoByOfflineID(ctx, s.pool, actor, req.OfflineID)
		if ferr != nil || existing != nil {
			return existing, ferr
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Photo synced", "photo_id", out.ID, "offline_id", req.OfflineID, "visit_id", out.VisitID,
		"content_type", out.ContentType, "size", out.SizeBytes, "replayed", out.Replayed)
	return out, nil
}

// CreatePhoto stores a photo taken while online.
func (s *Service) CreatePhoto(ctx context.Context, actor auth.Actor, req *PhotoRequest) (*PhotoResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	req.OfflineID = ""
	err := validateRequest(req)
	var out *PhotoResponse
	if err == nil {
		out, err = s.insertPhoto(ctx, MetricsOpCreatePhoto, actor, req, false)
	}
	s.observeStage(ctx, MetricsOpCreatePhoto, MetricsStageTotal, start, 1, 1, err != nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Photo created", "photo_id", out.ID, "visit_id", out.VisitID, "size", out.SizeBytes)
	return out, nil
}

// GetPhoto returns photo metadata.
func (s *Service) GetPhoto(ctx context.Context, actor auth.Actor, id string) (*PhotoResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	e, err := s.loadPhoto(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return e.toResponse(), nil
}

// GetPhotoContent returns the original bytes, or the JPEG thumbnail when thumbnail is set,
// together with their content type.
func (s *Service) GetPhotoContent(ctx context.Context, actor auth.Actor, id string, thumbnail bool) ([]byte, string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, "", err
	}
	e, err := s.loadPhoto(ctx, actor, id)
	if err != nil {
		return nil, "", err
	}

	var inline, thumb []byte
	if err := s.pool.QueryRow(ctx, `SELECT content, thumbnail FROM photos WHERE id = $1`, id).Scan(&inline, &thumb); err != nil {
		return nil, "", fmt.Errorf("failed to load photo content: %w", err)
	}
	if thumbnail {
		if thumb == nil {
			return nil, "", fielderr.NotFound("thumbnail", id)
		}
		return thumb, "image/jpeg", nil
	}
	data, err := s.blobs.Get(ctx, e.StorageKey, inline)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read photo %s: %w", id, err)
	}
	return data, e.ContentType, nil
}

func (s *Service) loadPhoto(ctx context.Context, actor auth.Actor, id string) (*PhotoEntity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fielderr.Validation("invalid photo id %q", id)
	}
	e := &PhotoEntity{}
	err := s.pool.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, id).Scan(e.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fielderr.NotFound(EntityPhoto, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load photo %s: %w", id, err)
	}
	if !actor.CanAccess(e.UserID) {
		return nil, fielderr.Forbidden("photo %s belongs to another user", id)
	}
	return e, nil
}

func (s *Service) insertPhoto(ctx context.Context, op string, actor auth.Actor, req *PhotoRequest, offline bool) (*PhotoResponse, error) {
	inspectStart := s.stageStart()
	info, err := inspectPhoto(req.Content, s.config.MaxPhotoBytes, s.config.ThumbnailSize)
	s.observeStage(ctx, op, MetricsStagePhotoInspect, inspectStart, 1, 1, err != nil)
	if err != nil {
		return nil, err
	}
	if req.ContentType != "" && req.ContentType != info.ContentType {
		s.logger.Debug("Declared photo type differs from content", "declared", req.ContentType, "sniffed", info.ContentType)
	}

	id := uuid.NewString()
	key := "visits/" + req.VisitID + "/photos/" + id
	uploaded := false

	var out *PhotoResponse
	err = s.runTx(ctx, op, func(tx pgx.Tx) error {
		if _, err := s.lockVisit(ctx, tx, actor, req.VisitID); err != nil {
			return err
		}
		if offline {
			existing, err := s.findPhotoByOfflineID(ctx, tx, actor, req.OfflineID)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM photos WHERE visit_id = $1`, req.VisitID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count photos: %w", err)
		}
		if count >= s.config.MaxPhotosPerVisit {
			return fielderr.Conflict(fielderr.CodePhotoLimit, "visit %s already has %d photos", req.VisitID, count).
				WithDetail("limit", s.config.MaxPhotosPerVisit)
		}

		storeStart := s.stageStart()
		inline, err := s.blobs.Put(ctx, key, info.ContentType, req.Content)
		s.observeStage(ctx, op, MetricsStagePhotoStore, storeStart, 1, 1, err != nil)
		if err != nil {
			return fmt.Errorf("failed to store photo content: %w", err)
		}
		uploaded = true

		var offlineID *string
		if offline {
			offlineID = nullableString(req.OfflineID)
		}
		e := &PhotoEntity{}
		err = tx.QueryRow(ctx, `
			INSERT INTO photos (id, offline_id, visit_id, user_id, content_type, size_bytes, storage_key,
				content, thumbnail, width, height, caption)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING `+photoColumns,
			id, offlineID, req.VisitID, actor.UserID, info.ContentType, int64(len(req.Content)), key,
			inline, info.Thumbnail, info.Width, info.Height, req.Caption,
		).Scan(e.scanTargets()...)
		if err != nil {
			return fmt.Errorf("failed to insert photo: %w", err)
		}
		out = e.toResponse()
		return nil
	})
	if err != nil && uploaded {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.logger.Warn("Failed to remove orphaned photo content", "key", key, "error", derr)
		}
	}
	return out, err
}

func (s *Service) findPhotoByOfflineID(ctx context.Context, q querier, actor auth.Actor, offlineID string) (*PhotoResponse, error) {
	e := &PhotoEntity{}
	err := q.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE offline_id = $1`, offlineID).Scan(e.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up photo by offline id: %w", err)
	}
	if !actor.CanAccess(e.UserID) {
		return nil, fielderr.Forbidden("photo %s belongs to another user", offlineID)
	}
	out := e.toResponse()
	out.Replayed = true
	return out, nil
}
