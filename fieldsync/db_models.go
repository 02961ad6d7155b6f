// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"time"

	"github.com/mobiletoly/go-fieldsync/internal/geo"
	"github.com/shopspring/decimal"
)

// Database entity models for PostgreSQL tables

// StoreEntity represents a row in stores
type StoreEntity struct {
	ID        string   `db:"id"`
	Name      string   `db:"name"`
	Latitude  *float64 `db:"latitude"`  // Nil when the store was never geolocated
	Longitude *float64 `db:"longitude"` //
}

// Location returns the store position or nil when unknown.
func (e *StoreEntity) Location() *geo.Point {
	if e.Latitude == nil || e.Longitude == nil {
		return nil
	}
	return &geo.Point{Latitude: *e.Latitude, Longitude: *e.Longitude}
}

func (e *StoreEntity) toResponse() *StoreResponse {
	return &StoreResponse{ID: e.ID, Name: e.Name, Latitude: e.Latitude, Longitude: e.Longitude}
}

// VisitEntity represents a row in visits
type VisitEntity struct {
	ID             string    `db:"id"`
	OfflineID      *string   `db:"offline_id"`
	UserID         string    `db:"user_id"`
	DeviceID       string    `db:"device_id"`
	StoreID        string    `db:"store_id"`
	Latitude       float64   `db:"latitude"`
	Longitude      float64   `db:"longitude"`
	Accuracy       float64   `db:"accuracy"`
	DistanceMeters *float64  `db:"distance_m"`
	VisitedAt      time.Time `db:"visited_at"`
	CreatedAt      time.Time `db:"created_at"`
}

const visitColumns = `id::text, offline_id::text, user_id, device_id, store_id::text, latitude, longitude,
	accuracy, distance_m, visited_at, created_at`

func (e *VisitEntity) scanTargets() []any {
	return []any{&e.ID, &e.OfflineID, &e.UserID, &e.DeviceID, &e.StoreID, &e.Latitude, &e.Longitude,
		&e.Accuracy, &e.DistanceMeters, &e.VisitedAt, &e.CreatedAt}
}

func (e *VisitEntity) toResponse() *VisitResponse {
	return &VisitResponse{
		ID:             e.ID,
		OfflineID:      e.OfflineID,
		UserID:         e.UserID,
		DeviceID:       e.DeviceID,
		StoreID:        e.StoreID,
		Latitude:       e.Latitude,
		Longitude:      e.Longitude,
		Accuracy:       e.Accuracy,
		DistanceMeters: e.DistanceMeters,
		VisitedAt:      e.VisitedAt,
		CreatedAt:      e.CreatedAt,
	}
}

// OrderEntity represents a row in orders. Money travels as text and is parsed with decimal.
type OrderEntity struct {
	ID        string    `db:"id"`
	OfflineID *string   `db:"offline_id"`
	VisitID   string    `db:"visit_id"`
	UserID    string    `db:"user_id"`
	Status    string    `db:"status"`
	Total     string    `db:"total"`
	Notes     string    `db:"notes"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const orderColumns = `id::text, offline_id::text, visit_id::text, user_id, status, total::text, notes,
	created_at, updated_at`

func (e *OrderEntity) scanTargets() []any {
	return []any{&e.ID, &e.OfflineID, &e.VisitID, &e.UserID, &e.Status, &e.Total, &e.Notes,
		&e.CreatedAt, &e.UpdatedAt}
}

// OrderItemEntity represents a row in order_items
type OrderItemEntity struct {
	ID        string `db:"id"`
	OrderID   string `db:"order_id"`
	ProductID string `db:"product_id"`
	Quantity  int    `db:"quantity"`
	UnitPrice string `db:"unit_price"`
	Position  int    `db:"position"`
}

func (e *OrderEntity) toResponse(items []OrderItemEntity) (*OrderResponse, error) {
	total, err := decimal.NewFromString(e.Total)
	if err != nil {
		return nil, err
	}
	out := &OrderResponse{
		ID:        e.ID,
		OfflineID: e.OfflineID,
		VisitID:   e.VisitID,
		UserID:    e.UserID,
		Status:    e.Status,
		Total:     total,
		Notes:     e.Notes,
		Items:     make([]OrderItemResponse, 0, len(items)),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	for _, it := range items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, OrderItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: price,
		})
	}
	return out, nil
}

// PhotoEntity represents a row in photos, without the binary columns.
type PhotoEntity struct {
	ID          string    `db:"id"`
	OfflineID   *string   `db:"offline_id"`
	VisitID     string    `db:"visit_id"`
	UserID      string    `db:"user_id"`
	ContentType string    `db:"content_type"`
	SizeBytes   int64     `db:"size_bytes"`
	StorageKey  string    `db:"storage_key"`
	Width       int       `db:"width"`
	Height      int       `db:"height"`
	Caption     string    `db:"caption"`
	CreatedAt   time.Time `db:"created_at"`
}

const photoColumns = `id::text, offline_id::text, visit_id::text, user_id, content_type, size_bytes, storage_key,
	width, height, caption, created_at`

func (e *PhotoEntity) scanTargets() []any {
	return []any{&e.ID, &e.OfflineID, &e.VisitID, &e.UserID, &e.ContentType, &e.SizeBytes, &e.StorageKey,
		&e.Width, &e.Height, &e.Caption, &e.CreatedAt}
}

func (e *PhotoEntity) toResponse() *PhotoResponse {
	return &PhotoResponse{
		ID:          e.ID,
		OfflineID:   e.OfflineID,
		VisitID:     e.VisitID,
		UserID:      e.UserID,
		ContentType: e.ContentType,
		SizeBytes:   e.SizeBytes,
		Width:       e.Width,
		Height:      e.Height,
		Caption:     e.Caption,
		CreatedAt:   e.CreatedAt,
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
