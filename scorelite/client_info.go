// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scorelite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EnsureDeviceID returns the device ID persisted for userID, generating and
// storing a new one on first use
func (s *LocalStore) EnsureDeviceID(ctx context.Context, userID string) (string, error) {
	var deviceID string
	err := s.db.GetContext(ctx, &deviceID, `SELECT device_id FROM client_info WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err = s.db.ExecContext(ctx, `INSERT INTO client_info (user_id, device_id) VALUES (?, ?)`, userID, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}
