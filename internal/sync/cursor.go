package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrInvalidCursorVersion indicates that a reported cursor version is negative.
var ErrInvalidCursorVersion = errors.New("sync: invalid cursor version")

// UpdateCursor records the highest version the device has durably consumed.
// The latest call wins unconditionally; a device retrying out of order can
// regress its own cursor, which only delays retention. Clamping to the
// maximum was considered and rejected, see DESIGN.md.
func (s *Service) UpdateCursor(ctx context.Context, workspaceID WorkspaceID, deviceID DeviceID, version int64) error {
	if s.db == nil {
		s.logError(opUpdateCursor, "missing_database", errMissingDatabase)
		return newServiceError(opUpdateCursor, "missing_database", errMissingDatabase)
	}
	if version < 0 {
		return newServiceError(opUpdateCursor, "invalid_version", ErrInvalidCursorVersion)
	}

	cursor := DeviceCursor{
		WorkspaceID:      workspaceID.String(),
		DeviceID:         deviceID.String(),
		LastSeenVersion:  version,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Save(&cursor).Error; err != nil {
		s.logError(opUpdateCursor, "upsert_failed", err,
			zap.String("workspace_id", workspaceID.String()),
			zap.String("device_id", deviceID.String()))
		return newServiceError(opUpdateCursor, "upsert_failed", err)
	}
	return nil
}

// minDeviceCursor returns the smallest reported cursor for the workspace, or
// 0 when no device has ever reported. A zero floor disables retention: data
// no device has acknowledged is never purged.
func (s *Service) minDeviceCursor(ctx context.Context, workspaceID WorkspaceID) (int64, error) {
	var cursors []DeviceCursor
	if err := s.db.WithContext(ctx).
		Select("last_seen_version").
		Where("workspace_id = ?", workspaceID.String()).
		Find(&cursors).Error; err != nil {
		return 0, err
	}
	if len(cursors) == 0 {
		return 0, nil
	}
	minimum := cursors[0].LastSeenVersion
	for _, cursor := range cursors[1:] {
		if cursor.LastSeenVersion < minimum {
			minimum = cursor.LastSeenVersion
		}
	}
	return minimum, nil
}
