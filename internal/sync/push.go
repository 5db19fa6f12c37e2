package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errBatchTooLarge = errors.New("push batch exceeds the operation cap")

type pendingOperation struct {
	index     int
	op        Operation
	sanitized string
}

// Push validates and applies a batch of client operations. Operations whose
// opId was already committed replay their recorded version with no side
// effects; a repeated opId within the batch echoes its first slot's outcome.
// New operations receive one contiguous version range and are applied
// sequentially in ascending version order so the change log is written in
// version order. One operation's store failure is reported in its result slot
// and does not abort its siblings.
func (s *Service) Push(ctx context.Context, workspaceID WorkspaceID, requests []OperationConfig) (PushResult, error) {
	if s.db == nil {
		s.logError(opPush, "missing_database", errMissingDatabase)
		return PushResult{}, newServiceError(opPush, "missing_database", errMissingDatabase)
	}
	if len(requests) > s.limits.MaxPushOps {
		err := fmt.Errorf("%w: %d > %d", errBatchTooLarge, len(requests), s.limits.MaxPushOps)
		s.logError(opPush, "batch_too_large", err, zap.String("workspace_id", workspaceID.String()))
		return PushResult{}, newServiceError(opPush, "batch_too_large", err)
	}

	results := make([]OperationResult, len(requests))
	if len(requests) == 0 {
		return PushResult{Results: results}, nil
	}

	replayed, err := s.lookupCommittedVersions(ctx, requests)
	if err != nil {
		s.logError(opPush, "idempotency_lookup_failed", err, zap.String("workspace_id", workspaceID.String()))
		return PushResult{}, newServiceError(opPush, "idempotency_lookup_failed", err)
	}

	pending := make([]pendingOperation, 0, len(requests))
	firstSlotByOpID := make(map[string]int, len(requests))
	duplicateSlots := make(map[int]int)
	for index, request := range requests {
		opIDValue := request.OpID.String()
		if version, ok := replayed[opIDValue]; ok {
			results[index] = OperationResult{OpID: opIDValue, Success: true, ServerVersion: version}
			continue
		}

		// A repeated opId within one batch is the same retry case as a
		// repeated batch: the later slot echoes the first slot's outcome
		// instead of tripping the change log's unique index.
		if opIDValue != "" {
			if firstIndex, seen := firstSlotByOpID[opIDValue]; seen {
				duplicateSlots[index] = firstIndex
				continue
			}
			firstSlotByOpID[opIDValue] = index
		}

		op, buildErr := NewOperation(request)
		if buildErr != nil {
			results[index] = OperationResult{
				OpID:         opIDValue,
				ErrorCode:    ResultCodeValidation,
				ErrorMessage: buildErr.Error(),
			}
			continue
		}
		if len(op.PayloadJSON()) > s.limits.MaxPayloadBytes {
			results[index] = OperationResult{
				OpID:         opIDValue,
				ErrorCode:    ResultCodeValidation,
				ErrorMessage: fmt.Sprintf("payload exceeds %d bytes", s.limits.MaxPayloadBytes),
			}
			continue
		}

		sanitized := ""
		if op.Type() == OperationTypePut {
			sanitized, buildErr = sanitizePayload(op.Table(), op.PayloadJSON())
			if buildErr != nil {
				results[index] = OperationResult{
					OpID:         opIDValue,
					ErrorCode:    ResultCodeValidation,
					ErrorMessage: buildErr.Error(),
				}
				continue
			}
		}
		pending = append(pending, pendingOperation{index: index, op: op, sanitized: sanitized})
	}

	highestApplied := int64(0)
	batchVersion := int64(0)
	if len(pending) > 0 {
		startVersion, allocErr := s.AllocateVersions(ctx, workspaceID, len(pending))
		if allocErr != nil {
			return PushResult{}, allocErr
		}
		batchVersion = startVersion + int64(len(pending)) - 1

		for offset, item := range pending {
			version := startVersion + int64(offset)
			if applyErr := s.applyOperation(ctx, workspaceID, item.op, item.sanitized, version); applyErr != nil {
				s.logError(opPush, "apply_failed", applyErr,
					zap.String("workspace_id", workspaceID.String()),
					zap.String("op_id", item.op.OpID().String()),
					zap.Int64("server_version", version))
				results[item.index] = OperationResult{
					OpID:         item.op.OpID().String(),
					ErrorCode:    ResultCodeServerError,
					ErrorMessage: applyErr.Error(),
				}
				continue
			}
			results[item.index] = OperationResult{
				OpID:          item.op.OpID().String(),
				Success:       true,
				ServerVersion: version,
			}
			highestApplied = version
		}
	}

	for index, firstIndex := range duplicateSlots {
		results[index] = results[firstIndex]
	}

	if highestApplied > 0 {
		s.notifier.ChangesCommitted(workspaceID.String(), highestApplied)
	}

	return PushResult{Results: results, ServerVersion: batchVersion}, nil
}

func (s *Service) lookupCommittedVersions(ctx context.Context, requests []OperationConfig) (map[string]int64, error) {
	opIDs := make([]string, 0, len(requests))
	for _, request := range requests {
		if request.OpID != "" {
			opIDs = append(opIDs, request.OpID.String())
		}
	}
	if len(opIDs) == 0 {
		return map[string]int64{}, nil
	}

	var committed []ChangeLogEntry
	if err := s.db.WithContext(ctx).
		Select("op_id, server_version").
		Where("op_id IN ?", opIDs).
		Find(&committed).Error; err != nil {
		return nil, err
	}

	replayed := make(map[string]int64, len(committed))
	for _, entry := range committed {
		replayed[entry.OpID] = entry.ServerVersion
	}
	return replayed, nil
}

// applyOperation commits one operation's state write, change-log entry, and
// tombstone upsert in a single transaction.
func (s *Service) applyOperation(ctx context.Context, workspaceID WorkspaceID, op Operation, sanitizedPayload string, serverVersion int64) error {
	appliedAt := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		var existingPtr *Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ? AND table_name = ? AND record_key = ?",
				workspaceID.String(), op.Table().String(), op.RecordKey().String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			return err
		} else {
			existingPtr = &existing
		}

		var tombstonePtr *Tombstone
		if op.Type() == OperationTypePut {
			var tombstone Tombstone
			err = tx.Where("workspace_id = ? AND table_name = ? AND record_key = ?",
				workspaceID.String(), op.Table().String(), op.RecordKey().String()).
				Take(&tombstone).Error
			if err == nil {
				tombstonePtr = &tombstone
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		outcome := resolveOperation(existingPtr, tombstonePtr, op, sanitizedPayload, appliedAt)
		if outcome.applyState {
			outcome.updated.WorkspaceID = workspaceID.String()
			if err := tx.Save(outcome.updated).Error; err != nil {
				return err
			}
		}

		entry := ChangeLogEntry{
			WorkspaceID:      workspaceID.String(),
			ServerVersion:    serverVersion,
			Table:            op.Table().String(),
			RecordKey:        op.RecordKey().String(),
			Op:               op.Type(),
			PayloadJSON:      sanitizedPayload,
			Clock:            op.Clock(),
			HLC:              op.HLC().String(),
			DeviceID:         op.DeviceID().String(),
			OpID:             op.OpID().String(),
			CreatedAtSeconds: appliedAt.Unix(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		if op.Type() == OperationTypeDelete {
			return s.upsertTombstone(tx, workspaceID, op, serverVersion, appliedAt)
		}
		return nil
	})
}
