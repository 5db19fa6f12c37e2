package sync

import (
	"context"

	"go.uber.org/zap"
)

// PullRequest describes one page request against the workspace change log.
type PullRequest struct {
	Cursor int64
	Limit  int
	Tables []TableKind
}

// Pull returns change-log entries with versions strictly greater than the
// cursor, ascending, capped at the configured page maximum. The optional
// table filter is applied after the page is fetched; nextCursor always
// advances by the unfiltered page so skipped-table entries are never
// re-fetched indefinitely.
func (s *Service) Pull(ctx context.Context, workspaceID WorkspaceID, request PullRequest) (PullResult, error) {
	if s.db == nil {
		s.logError(opPull, "missing_database", errMissingDatabase)
		return PullResult{}, newServiceError(opPull, "missing_database", errMissingDatabase)
	}

	limit := request.Limit
	if limit <= 0 || limit > s.limits.MaxPullLimit {
		limit = s.limits.MaxPullLimit
	}

	var entries []ChangeLogEntry
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND server_version > ?", workspaceID.String(), request.Cursor).
		Order("server_version ASC").
		Limit(limit + 1).
		Find(&entries).Error; err != nil {
		s.logError(opPull, "query_failed", err, zap.String("workspace_id", workspaceID.String()))
		return PullResult{}, newServiceError(opPull, "query_failed", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	nextCursor := request.Cursor
	if len(entries) > 0 {
		nextCursor = entries[len(entries)-1].ServerVersion
	}

	wanted := make(map[TableKind]bool, len(request.Tables))
	for _, table := range request.Tables {
		wanted[table] = true
	}

	changes := make([]Change, 0, len(entries))
	for _, entry := range entries {
		if len(wanted) > 0 && !wanted[TableKind(entry.Table)] {
			continue
		}
		changes = append(changes, Change{
			ServerVersion: entry.ServerVersion,
			TableName:     entry.Table,
			RecordKey:     entry.RecordKey,
			Op:            entry.Op,
			PayloadJSON:   entry.PayloadJSON,
			Clock:         entry.Clock,
			HLC:           entry.HLC,
			DeviceID:      entry.DeviceID,
			OpID:          entry.OpID,
		})
	}

	return PullResult{Changes: changes, NextCursor: nextCursor, HasMore: hasMore}, nil
}
