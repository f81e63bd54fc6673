// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated principal through request contexts.
package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	deviceIDKey contextKey = "device_id"
)

// Principal identifies who is calling: the account owning the records and
// the device the request came from
type Principal struct {
	UserID   string
	DeviceID string
}

// WithPrincipal stores user and device IDs in the context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, userIDKey, p.UserID)
	return context.WithValue(ctx, deviceIDKey, p.DeviceID)
}

// UserID retrieves the user ID from the context
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// DeviceID retrieves the device ID from the context
func DeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok && deviceID != ""
}

// PrincipalFrom returns the principal stored by WithPrincipal
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	userID, ok := UserID(ctx)
	if !ok {
		return Principal{}, false
	}
	deviceID, _ := DeviceID(ctx)
	return Principal{UserID: userID, DeviceID: deviceID}, true
}
