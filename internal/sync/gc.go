package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const continuationDelay = 2 * time.Second

// Scheduler defers a task for later execution. Retention work is decomposed
// into bounded passes chained through the scheduler instead of one
// long-running job, so each invocation stays small and a crash between passes
// loses nothing: the next trigger resumes from the persisted cursors.
type Scheduler interface {
	Schedule(delay time.Duration, task func())
}

type timerScheduler struct{}

func (timerScheduler) Schedule(delay time.Duration, task func()) {
	time.AfterFunc(delay, task)
}

// GCRequest describes one bounded retention pass.
type GCRequest struct {
	RetentionSeconds int64
	BatchSize        int
	TombstoneCursor  int64
	ChangeLogCursor  int64
	Continuation     int
}

// CollectionPass reports one collection's progress within a pass.
type CollectionPass struct {
	Purged     int
	HasMore    bool
	NextCursor int64
}

// GCResult aggregates both collections' progress.
type GCResult struct {
	Tombstones CollectionPass
	ChangeLog  CollectionPass
}

// Purged returns the total rows removed by the pass.
func (r GCResult) Purged() int {
	return r.Tombstones.Purged + r.ChangeLog.Purged
}

// HasMore reports whether either collection has pending work.
func (r GCResult) HasMore() bool {
	return r.Tombstones.HasMore || r.ChangeLog.HasMore
}

// RunRetention performs one bounded retention pass over the workspace's
// tombstones and change log. Rows are eligible only below the minimum device
// cursor and beyond the retention window; the cursor advances over every
// examined row so retained rows are not re-examined by the continuation.
func (s *Service) RunRetention(ctx context.Context, workspaceID WorkspaceID, request GCRequest) (GCResult, error) {
	if s.db == nil {
		s.logError(opRetentionGC, "missing_database", errMissingDatabase)
		return GCResult{}, newServiceError(opRetentionGC, "missing_database", errMissingDatabase)
	}

	retention := request.RetentionSeconds
	if retention <= 0 {
		retention = s.limits.RetentionSeconds
	}
	batchSize := request.BatchSize
	if batchSize <= 0 || batchSize > s.limits.GCBatchSize {
		batchSize = s.limits.GCBatchSize
	}

	minCursor, err := s.minDeviceCursor(ctx, workspaceID)
	if err != nil {
		s.logError(opRetentionGC, "min_cursor_failed", err, zap.String("workspace_id", workspaceID.String()))
		return GCResult{}, newServiceError(opRetentionGC, "min_cursor_failed", err)
	}

	result := GCResult{
		Tombstones: CollectionPass{NextCursor: request.TombstoneCursor},
		ChangeLog:  CollectionPass{NextCursor: request.ChangeLogCursor},
	}
	if minCursor == 0 {
		// No device has ever reported a cursor; nothing is acknowledged,
		// so nothing may be purged.
		return result, nil
	}

	cutoff := s.clock().UTC().Unix() - retention

	result.Tombstones, err = s.gcTombstones(ctx, workspaceID, request.TombstoneCursor, minCursor, cutoff, batchSize)
	if err != nil {
		s.logError(opRetentionGC, "tombstone_pass_failed", err, zap.String("workspace_id", workspaceID.String()))
		return GCResult{}, newServiceError(opRetentionGC, "tombstone_pass_failed", err)
	}

	result.ChangeLog, err = s.gcChangeLog(ctx, workspaceID, request.ChangeLogCursor, minCursor, cutoff, batchSize)
	if err != nil {
		s.logError(opRetentionGC, "change_log_pass_failed", err, zap.String("workspace_id", workspaceID.String()))
		return GCResult{}, newServiceError(opRetentionGC, "change_log_pass_failed", err)
	}

	return result, nil
}

// RunRetentionWithContinuation runs one pass and schedules a deferred
// re-invocation when work remains, up to the continuation cap. This bounds
// per-trigger work while still making eventual progress across ticks.
func (s *Service) RunRetentionWithContinuation(ctx context.Context, workspaceID WorkspaceID, request GCRequest) (GCResult, error) {
	result, err := s.RunRetention(ctx, workspaceID, request)
	if err != nil {
		return GCResult{}, err
	}

	s.loggerOrDefault().Info("retention pass complete",
		zap.String("workspace_id", workspaceID.String()),
		zap.Int("purged", result.Purged()),
		zap.Bool("has_more", result.HasMore()),
		zap.Int("continuation", request.Continuation))

	if result.HasMore() && request.Continuation < s.limits.MaxGCContinuations {
		next := GCRequest{
			RetentionSeconds: request.RetentionSeconds,
			BatchSize:        request.BatchSize,
			TombstoneCursor:  result.Tombstones.NextCursor,
			ChangeLogCursor:  result.ChangeLog.NextCursor,
			Continuation:     request.Continuation + 1,
		}
		s.scheduler.Schedule(continuationDelay, func() {
			if _, err := s.RunRetentionWithContinuation(context.Background(), workspaceID, next); err != nil {
				s.logError(opRetentionGC, "continuation_failed", err,
					zap.String("workspace_id", workspaceID.String()))
			}
		})
	}

	return result, nil
}

func (s *Service) gcTombstones(ctx context.Context, workspaceID WorkspaceID, cursor, minCursor, cutoff int64, batchSize int) (CollectionPass, error) {
	pass := CollectionPass{NextCursor: cursor}

	var rows []Tombstone
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND server_version > ? AND server_version < ?",
			workspaceID.String(), cursor, minCursor).
		Order("server_version ASC").
		Limit(batchSize + 1).
		Find(&rows).Error; err != nil {
		return CollectionPass{}, err
	}

	pass.HasMore = len(rows) > batchSize
	if pass.HasMore {
		rows = rows[:batchSize]
	}

	for _, row := range rows {
		if row.DeletedAtSeconds <= cutoff {
			if err := s.db.WithContext(ctx).
				Where("workspace_id = ? AND table_name = ? AND record_key = ?",
					row.WorkspaceID, row.Table, row.RecordKey).
				Delete(&Tombstone{}).Error; err != nil {
				return CollectionPass{}, err
			}
			pass.Purged++
		}
		pass.NextCursor = row.ServerVersion
	}
	return pass, nil
}

func (s *Service) gcChangeLog(ctx context.Context, workspaceID WorkspaceID, cursor, minCursor, cutoff int64, batchSize int) (CollectionPass, error) {
	pass := CollectionPass{NextCursor: cursor}

	var rows []ChangeLogEntry
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND server_version > ? AND server_version < ?",
			workspaceID.String(), cursor, minCursor).
		Order("server_version ASC").
		Limit(batchSize + 1).
		Find(&rows).Error; err != nil {
		return CollectionPass{}, err
	}

	pass.HasMore = len(rows) > batchSize
	if pass.HasMore {
		rows = rows[:batchSize]
	}

	for _, row := range rows {
		if row.CreatedAtSeconds <= cutoff {
			if err := s.db.WithContext(ctx).
				Where("workspace_id = ? AND server_version = ?", row.WorkspaceID, row.ServerVersion).
				Delete(&ChangeLogEntry{}).Error; err != nil {
				return CollectionPass{}, err
			}
			pass.Purged++
		}
		pass.NextCursor = row.ServerVersion
	}
	return pass, nil
}
