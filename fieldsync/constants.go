// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "github.com/shopspring/decimal"

// Order status values
const (
	OrderPending    = "PENDING"
	OrderSynced     = "SYNCED"
	OrderProcessing = "PROCESSING"
	OrderCompleted  = "COMPLETED"
	OrderCancelled  = "CANCELLED"
)

// Entity names used in errors and logs
const (
	EntityStore = "store"
	EntityVisit = "visit"
	EntityOrder = "order"
	EntityPhoto = "photo"
)

// Limits
const (
	DefaultMaxVisitDistanceMeters = 100.0
	DefaultMaxPhotosPerVisit      = 3
	DefaultMaxPhotoBytes          = 5 * 1024 * 1024
	DefaultThumbnailSize          = 320
)

// Unique constraint names referenced when a concurrent insert loses the race.
const (
	constraintVisitOfflineID = "visits_offline_id_key"
	constraintOrderOfflineID = "orders_offline_id_key"
	constraintOrderVisitID   = "orders_visit_id_key"
	constraintPhotoOfflineID = "photos_offline_id_key"
)

// MaxMoney is the largest amount a NUMERIC(14,2) column holds.
var MaxMoney = decimal.RequireFromString("999999999999.99")

// AllowedPhotoTypes lists the accepted photo content types.
var AllowedPhotoTypes = []string{"image/jpeg", "image/png", "image/webp"}
