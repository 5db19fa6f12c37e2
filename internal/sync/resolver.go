package sync

import "time"

// resolution captures the conflict resolver's decision for one operation.
// applyState is false for convergent no-ops (stale puts, deletes of missing
// or already-deleted rows); the change log records the operation either way.
type resolution struct {
	applyState bool
	updated    *Record
}

// resolveOperation applies last-writer-wins to the current-state row. A put
// wins when its clock is strictly greater, or on equal clocks when its HLC
// stamp orders strictly after the stored stamp. The HLC tie-break is total:
// stamps embed the writing device, so two devices never produce an equal one.
func resolveOperation(existing *Record, tombstone *Tombstone, op Operation, sanitizedPayload string, appliedAt time.Time) resolution {
	if op.Type() == OperationTypeDelete {
		if existing == nil || existing.Deleted {
			return resolution{applyState: false}
		}
		updated := *existing
		updated.Deleted = true
		updated.DeletedAtSeconds = appliedAt.Unix()
		updated.Clock = op.Clock()
		updated.HLC = op.HLC().String()
		updated.UpdatedAtSeconds = appliedAt.Unix()
		return resolution{applyState: true, updated: &updated}
	}

	// The tombstone clock is authoritative for revival: a put with a clock at
	// or below the recorded delete never revives the record, whether the
	// deleted state row is still present or was purged by housekeeping. The
	// HLC tie-break applies only between puts, never against a delete marker.
	if tombstone != nil && tombstone.Clock >= op.Clock() {
		return resolution{applyState: false}
	}

	if existing == nil {
		return resolution{applyState: true, updated: &Record{
			WorkspaceID:      "",
			Table:            op.Table().String(),
			RecordKey:        op.RecordKey().String(),
			PayloadJSON:      sanitizedPayload,
			Deleted:          false,
			Clock:            op.Clock(),
			HLC:              op.HLC().String(),
			CreatedAtSeconds: appliedAt.Unix(),
			UpdatedAtSeconds: appliedAt.Unix(),
		}}
	}

	incomingWins := op.Clock() > existing.Clock ||
		(op.Clock() == existing.Clock && op.HLC().After(HLC(existing.HLC)))
	if !incomingWins {
		return resolution{applyState: false}
	}

	updated := *existing
	updated.PayloadJSON = sanitizedPayload
	updated.Deleted = false
	updated.DeletedAtSeconds = 0
	updated.Clock = op.Clock()
	updated.HLC = op.HLC().String()
	updated.UpdatedAtSeconds = appliedAt.Unix()
	return resolution{applyState: true, updated: &updated}
}
