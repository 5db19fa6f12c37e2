package sync

import (
	"encoding/json"
	"fmt"
)

// Operation is a validated client operation submitted through Push.
type Operation struct {
	opID      OpID
	table     TableKind
	opType    OperationType
	recordKey RecordKey
	payload   string
	clock     int64
	hlc       HLC
	deviceID  DeviceID
}

// OperationConfig describes the inputs required to build an Operation.
type OperationConfig struct {
	OpID        OpID
	Table       TableKind
	Type        OperationType
	RecordKey   RecordKey
	PayloadJSON string
	Clock       int64
	HLC         HLC
	DeviceID    DeviceID
}

// NewOperation validates the provided configuration and returns an Operation.
// Every field is revalidated here so callers may pass raw client input
// through unchecked casts; validation failures surface as per-operation
// results, never as whole-batch rejections.
func NewOperation(cfg OperationConfig) (Operation, error) {
	opID, err := NewOpID(cfg.OpID.String())
	if err != nil {
		return Operation{}, err
	}
	table, err := ParseTableKind(cfg.Table.String())
	if err != nil {
		return Operation{}, err
	}
	opType, err := ParseOperationType(string(cfg.Type))
	if err != nil {
		return Operation{}, err
	}
	recordKey, err := NewRecordKey(cfg.RecordKey.String())
	if err != nil {
		return Operation{}, err
	}
	hlc, err := NewHLC(cfg.HLC.String())
	if err != nil {
		return Operation{}, err
	}
	deviceID, err := NewDeviceID(cfg.DeviceID.String())
	if err != nil {
		return Operation{}, err
	}
	if opType == OperationTypePut && cfg.PayloadJSON == "" {
		return Operation{}, fmt.Errorf("%w: put requires a payload", ErrInvalidOperation)
	}
	return Operation{
		opID:      opID,
		table:     table,
		opType:    opType,
		recordKey: recordKey,
		payload:   cfg.PayloadJSON,
		clock:     cfg.Clock,
		hlc:       hlc,
		deviceID:  deviceID,
	}, nil
}

// OpID returns the operation's idempotency key.
func (op Operation) OpID() OpID {
	return op.opID
}

// Table returns the target synced table.
func (op Operation) Table() TableKind {
	return op.table
}

// Type returns the operation type.
func (op Operation) Type() OperationType {
	return op.opType
}

// RecordKey returns the target record's primary key.
func (op Operation) RecordKey() RecordKey {
	return op.recordKey
}

// PayloadJSON returns the raw payload for put operations.
func (op Operation) PayloadJSON() string {
	return op.payload
}

// Clock returns the record's logical counter.
func (op Operation) Clock() int64 {
	return op.clock
}

// HLC returns the operation's hybrid logical clock stamp.
func (op Operation) HLC() HLC {
	return op.hlc
}

// DeviceID returns the originating device identifier.
func (op Operation) DeviceID() DeviceID {
	return op.deviceID
}

// ResultCode classifies a per-operation outcome on the wire.
type ResultCode string

const (
	// ResultCodeValidation marks oversized or structurally invalid input.
	ResultCodeValidation ResultCode = "VALIDATION_ERROR"
	// ResultCodeUnauthorized marks a missing identity.
	ResultCodeUnauthorized ResultCode = "UNAUTHORIZED"
	// ResultCodeForbidden marks a non-member identity.
	ResultCodeForbidden ResultCode = "FORBIDDEN"
	// ResultCodeConflict is reserved; LWW losses are silent no-ops, not errors.
	ResultCodeConflict ResultCode = "CONFLICT"
	// ResultCodeNotFound marks a missing entity.
	ResultCodeNotFound ResultCode = "NOT_FOUND"
	// ResultCodeServerError marks an unexpected store failure during apply.
	ResultCodeServerError ResultCode = "SERVER_ERROR"
)

// OperationResult reports the outcome for a single pushed operation.
type OperationResult struct {
	OpID          string
	Success       bool
	ServerVersion int64
	ErrorCode     ResultCode
	ErrorMessage  string
}

// PushResult aggregates per-operation outcomes and the highest version
// allocated in the batch (0 when nothing new was applied).
type PushResult struct {
	Results       []OperationResult
	ServerVersion int64
}

// Change is one change-log entry returned by Pull.
type Change struct {
	ServerVersion int64
	TableName     string
	RecordKey     string
	Op            OperationType
	PayloadJSON   string
	Clock         int64
	HLC           string
	DeviceID      string
	OpID          string
}

// PullResult is one page of the workspace change log.
type PullResult struct {
	Changes    []Change
	NextCursor int64
	HasMore    bool
}

// payload fields a client must not control; they could reassign workspace or
// identity scope if echoed into the state row.
var strippedPayloadFields = []string{
	"workspace_id", "workspaceId",
	"user_id", "userId",
	"device_id", "deviceId",
	"_id", "id",
}

// sanitizePayload strips scope-carrying fields and the table's own key field
// from a put payload, returning a normalized JSON object.
func sanitizePayload(table TableKind, payloadJSON string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payloadJSON), &fields); err != nil {
		return "", fmt.Errorf("%w: payload is not a JSON object", ErrInvalidOperation)
	}
	for _, field := range strippedPayloadFields {
		delete(fields, field)
	}
	delete(fields, table.KeyField())
	sanitized, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(sanitized), nil
}
