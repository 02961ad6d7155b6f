// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// PhotoInput is a photo taken during a visit.
type PhotoInput struct {
	VisitOfflineID string `json:"visit_offline_id" validate:"required,uuid"`
	Caption        string `json:"caption" validate:"max=500"`
	Content        []byte `json:"-"`
}

// PhotoAdapter uploads photos once their visit has a server id.
type PhotoAdapter struct {
	baseAdapter
	maxBytes    int64
	maxPerVisit int
}

// NewPhotoAdapter creates the photo adapter.
func NewPhotoAdapter(store *Store, transport *Transport, opts AdapterOptions) *PhotoAdapter {
	a := &PhotoAdapter{
		baseAdapter: newBaseAdapter(KindPhoto, store, transport, opts),
		maxBytes:    fieldsync.DefaultMaxPhotoBytes,
		maxPerVisit: fieldsync.DefaultMaxPhotosPerVisit,
	}
	a.build = a.buildRequest
	return a
}

// Create checks type, size and the per-visit limit, then sends or queues the photo.
func (a *PhotoAdapter) Create(ctx context.Context, in PhotoInput) (*Created, error) {
	if err := fieldsync.Validate(&in); err != nil {
		return nil, err
	}
	if len(in.Content) == 0 {
		return nil, fielderr.Validation("photo content is empty")
	}
	if int64(len(in.Content)) > a.maxBytes {
		return nil, fielderr.Validation("photo is %d bytes, maximum is %d", len(in.Content), a.maxBytes).
			WithDetail("size", len(in.Content)).
			WithDetail("maxSize", a.maxBytes)
	}
	contentType := mimetype.Detect(in.Content).String()
	if !slices.Contains(fieldsync.AllowedPhotoTypes, contentType) {
		return nil, fielderr.Validation("unsupported photo type %s", contentType).
			WithDetail("content_type", contentType)
	}
	if err := requireKnownVisit(ctx, a.store, in.VisitOfflineID); err != nil {
		return nil, err
	}
	count, err := a.store.PhotoCountForVisit(ctx, in.VisitOfflineID)
	if err != nil {
		return nil, err
	}
	if count >= a.maxPerVisit {
		return nil, fielderr.Conflict(fielderr.CodePhotoLimit, "visit already has %d photos", count).
			WithDetail("limit", a.maxPerVisit)
	}

	return a.create(ctx, PhotoPayload{
		VisitOfflineID: in.VisitOfflineID,
		ContentType:    contentType,
		Caption:        in.Caption,
		SizeBytes:      int64(len(in.Content)),
	}, in.VisitOfflineID, in.Content)
}

func (a *PhotoAdapter) buildRequest(ctx context.Context, op *PendingOperation, blob []byte, resolve Resolver) (*SyncRequest, error) {
	var p PhotoPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode photo payload %s: %w", op.OfflineID, err)
	}
	visitID, err := resolveParent(ctx, resolve, p.VisitOfflineID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		if blob, err = a.store.Blob(ctx, op.OfflineID); err != nil {
			return nil, err
		}
	}
	ext := mimetype.Lookup(p.ContentType)
	fileName := op.OfflineID
	if ext != nil {
		fileName += ext.Extension()
	}
	return &SyncRequest{
		OfflineID: op.OfflineID,
		Path:      "/photos/sync",
		Fields: map[string]string{
			"offline_id": op.OfflineID,
			"visit_id":   visitID,
			"caption":    p.Caption,
		},
		File: &FilePart{
			FieldName:   "file",
			FileName:    fileName,
			ContentType: p.ContentType,
			Content:     blob,
		},
	}, nil
}
