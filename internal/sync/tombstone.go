package sync

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// upsertTombstone records a delete marker for the operation's record key.
// An existing tombstone with an equal or greater clock already represents a
// newer delete and is left untouched; an older delete never regresses it.
func (s *Service) upsertTombstone(tx *gorm.DB, workspaceID WorkspaceID, op Operation, serverVersion int64, deletedAt time.Time) error {
	var existing Tombstone
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workspace_id = ? AND table_name = ? AND record_key = ?",
			workspaceID.String(), op.Table().String(), op.RecordKey().String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&Tombstone{
			WorkspaceID:      workspaceID.String(),
			Table:            op.Table().String(),
			RecordKey:        op.RecordKey().String(),
			DeletedAtSeconds: deletedAt.Unix(),
			Clock:            op.Clock(),
			ServerVersion:    serverVersion,
			CreatedAtSeconds: deletedAt.Unix(),
		}).Error
	}
	if err != nil {
		return err
	}

	if existing.Clock >= op.Clock() {
		return nil
	}

	existing.DeletedAtSeconds = deletedAt.Unix()
	existing.Clock = op.Clock()
	existing.ServerVersion = serverVersion
	return tx.Save(&existing).Error
}
