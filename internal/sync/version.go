package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllocateVersions reserves count contiguous version numbers for the
// workspace and returns the first one. The counter row is read under a row
// lock and the new high-water mark is persisted before returning, so
// concurrent pushes to the same workspace never observe the same number.
// A non-positive count returns the current high-water mark without mutation.
func (s *Service) AllocateVersions(ctx context.Context, workspaceID WorkspaceID, count int) (int64, error) {
	if s.db == nil {
		s.logError(opAllocateVersions, "missing_database", errMissingDatabase)
		return 0, newServiceError(opAllocateVersions, "missing_database", errMissingDatabase)
	}

	var start int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter VersionCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ?", workspaceID.String()).
			Take(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			counter = VersionCounter{WorkspaceID: workspaceID.String(), Value: 0}
			if count <= 0 {
				start = 0
				return nil
			}
			counter.Value = int64(count)
			counter.UpdatedAtSeconds = s.clock().UTC().Unix()
			start = 1
			return tx.Create(&counter).Error
		}
		if err != nil {
			return err
		}

		if count <= 0 {
			start = counter.Value
			return nil
		}

		start = counter.Value + 1
		counter.Value += int64(count)
		counter.UpdatedAtSeconds = s.clock().UTC().Unix()
		return tx.Save(&counter).Error
	})
	if txErr != nil {
		s.logError(opAllocateVersions, "counter_update_failed", txErr,
			zap.String("workspace_id", workspaceID.String()))
		return 0, newServiceError(opAllocateVersions, "counter_update_failed", txErr)
	}

	return start, nil
}
