// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"time"

	"github.com/shopspring/decimal"
)

// REST/JSON models for HTTP API requests and responses

// VisitRequest is the body of POST /visits and POST /visits/sync.
// OfflineID is mandatory on the sync path and ignored on the direct path.
type VisitRequest struct {
	OfflineID string     `json:"offline_id,omitempty" validate:"omitempty,uuid"`
	StoreID   string     `json:"store_id" validate:"required,uuid"`
	Latitude  float64    `json:"latitude" validate:"latitude"`
	Longitude float64    `json:"longitude" validate:"longitude"`
	Accuracy  float64    `json:"accuracy" validate:"gte=0"`
	VisitedAt *time.Time `json:"visited_at,omitempty"` // Device time of check-in (default: now)
}

// OrderItemRequest is one order line.
type OrderItemRequest struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Quantity  int             `json:"quantity" validate:"gt=0,lte=10000"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0,lte=999999999999.99"`
}

// OrderRequest is the body of POST /orders and POST /orders/sync.
// VisitID is the server id of the visit; the client resolves it from its offline mapping.
type OrderRequest struct {
	OfflineID string             `json:"offline_id,omitempty" validate:"omitempty,uuid"`
	VisitID   string             `json:"visit_id" validate:"required,uuid"`
	Items     []OrderItemRequest `json:"items" validate:"required,min=1,max=200,order_total,dive"`
	Notes     string             `json:"notes,omitempty" validate:"max=1000"`
}

// PhotoRequest is built from the multipart form of POST /photos and POST /photos/sync.
type PhotoRequest struct {
	OfflineID   string `validate:"omitempty,uuid"`
	VisitID     string `validate:"required,uuid"`
	Caption     string `validate:"max=500"`
	ContentType string // Declared by the client; the sniffed type wins
	Content     []byte
}

// OrderStatusRequest is the body of PATCH /orders/{id}/status.
type OrderStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING SYNCED PROCESSING COMPLETED CANCELLED"`
}

// StoreRequest seeds a store (admin helper).
type StoreRequest struct {
	ID        string   `json:"id,omitempty" validate:"omitempty,uuid"`
	Name      string   `json:"name" validate:"required,max=200"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
}

// VisitResponse is a persisted visit.
type VisitResponse struct {
	ID             string    `json:"id"`
	OfflineID      *string   `json:"offline_id,omitempty"`
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id"`
	StoreID        string    `json:"store_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Accuracy       float64   `json:"accuracy"`
	DistanceMeters *float64  `json:"distance_m,omitempty"` // Nil when the store has no coordinates
	VisitedAt      time.Time `json:"visited_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// OrderItemResponse is a persisted order line.
type OrderItemResponse struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderResponse is a persisted order.
type OrderResponse struct {
	ID        string              `json:"id"`
	OfflineID *string             `json:"offline_id,omitempty"`
	VisitID   string              `json:"visit_id"`
	UserID    string              `json:"user_id"`
	Status    string              `json:"status"`
	Total     decimal.Decimal     `json:"total"`
	Notes     string              `json:"notes,omitempty"`
	Items     []OrderItemResponse `json:"items"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Replayed  bool                `json:"replayed,omitempty"` // True when an earlier upload already created it
}

// PhotoResponse is persisted photo metadata. Content is served by GET /photos/{id}/content.
type PhotoResponse struct {
	ID          string    `json:"id"`
	OfflineID   *string   `json:"offline_id,omitempty"`
	VisitID     string    `json:"visit_id"`
	UserID      string    `json:"user_id"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Caption     string    `json:"caption,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Replayed    bool      `json:"replayed,omitempty"`
}

// StoreResponse is a seeded store.
type StoreResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Common response models

// DataResponse wraps every successful answer.
type DataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
