// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey contextKey = "device_id"
	userIDKey   contextKey = "user_id"
	roleKey     contextKey = "role"
)

// Roles carried in the JWT "role" claim.
const (
	RoleRepartidor = "REPARTIDOR"
	RoleAdmin      = "ADMIN"
)

// Actor is the authenticated caller of a request.
type Actor struct {
	UserID   string
	DeviceID string
	Role     string
}

// IsAdmin reports whether the actor may act on data owned by other users.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanAccess reports whether the actor may read or extend data owned by ownerID.
// A REPARTIDOR only reaches their own data.
func (a Actor) CanAccess(ownerID string) bool {
	return a.IsAdmin() || a.UserID == ownerID
}

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetActor stores user, device and role in the context.
func SetActor(ctx context.Context, actor Actor) context.Context {
	ctx = SetUserID(ctx, actor.UserID)
	ctx = SetDeviceID(ctx, actor.DeviceID)
	return context.WithValue(ctx, roleKey, actor.Role)
}

// GetActor rebuilds the actor stored by SetActor.
func GetActor(ctx context.Context) (Actor, bool) {
	userID, ok := GetUserID(ctx)
	if !ok || userID == "" {
		return Actor{}, false
	}
	deviceID, _ := GetDeviceID(ctx)
	role, _ := ctx.Value(roleKey).(string)
	return Actor{UserID: userID, DeviceID: deviceID, Role: role}, true
}
