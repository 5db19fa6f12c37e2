package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const sweepSpacing = 5 * time.Second

// SweepActiveWorkspaces samples the most recent change-log rows for recently
// active workspaces and schedules one retention driver per workspace, spaced
// out to avoid a thundering herd. Sampling bounds the sweep: the whole change
// log is never scanned.
func (s *Service) SweepActiveWorkspaces(ctx context.Context) (int, error) {
	if s.db == nil {
		s.logError(opSweep, "missing_database", errMissingDatabase)
		return 0, newServiceError(opSweep, "missing_database", errMissingDatabase)
	}

	var recent []ChangeLogEntry
	if err := s.db.WithContext(ctx).
		Select("workspace_id").
		Order("created_at_s DESC").
		Limit(s.limits.SweepSampleRows).
		Find(&recent).Error; err != nil {
		s.logError(opSweep, "sample_failed", err)
		return 0, newServiceError(opSweep, "sample_failed", err)
	}

	seen := make(map[string]bool, len(recent))
	workspaces := make([]string, 0, len(recent))
	for _, entry := range recent {
		if seen[entry.WorkspaceID] {
			continue
		}
		seen[entry.WorkspaceID] = true
		workspaces = append(workspaces, entry.WorkspaceID)
		if len(workspaces) == s.limits.SweepWorkspaceCap {
			break
		}
	}

	for index, workspace := range workspaces {
		workspaceID := WorkspaceID(workspace)
		s.scheduler.Schedule(time.Duration(index)*sweepSpacing, func() {
			if _, err := s.RunRetentionWithContinuation(context.Background(), workspaceID, GCRequest{}); err != nil {
				s.logError(opSweep, "driver_failed", err, zap.String("workspace_id", workspaceID.String()))
			}
		})
	}

	s.loggerOrDefault().Info("retention sweep scheduled", zap.Int("workspaces", len(workspaces)))
	return len(workspaces), nil
}

// StartSweepLoop schedules periodic sweeps until the context is cancelled.
func (s *Service) StartSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	var tick func()
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.SweepActiveWorkspaces(ctx); err != nil {
			s.logError(opSweep, "sweep_failed", err)
		}
		s.scheduler.Schedule(interval, tick)
	}
	s.scheduler.Schedule(interval, tick)
}
