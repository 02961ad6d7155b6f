// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package geo

import (
	"fmt"
	"math"

	"github.com/mobiletoly/go-fieldsync/fielderr"
)

const (
	// EarthRadiusMeters is the mean earth radius used by Distance.
	EarthRadiusMeters = 6371000.0

	// MaxVisitDistanceMeters is the geofence radius around a store.
	MaxVisitDistanceMeters = 100.0
)

// Point is a position in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the coordinate ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", p.Longitude)
	}
	return nil
}

// Distance returns the great-circle distance between a and b in meters (Haversine).
func Distance(a, b Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// CheckDistance accepts distances up to and including maxDistance.
func CheckDistance(distance, maxDistance float64) error {
	if distance > maxDistance {
		return fielderr.Proximity(distance, maxDistance)
	}
	return nil
}

// CheckGeofence computes the distance between position and store and enforces the visit radius.
// A nil store means the store has no recorded coordinates and the check is skipped.
func CheckGeofence(position Point, store *Point) (float64, error) {
	if store == nil {
		return 0, nil
	}
	d := Distance(position, *store)
	return d, CheckDistance(d, MaxVisitDistanceMeters)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
