package sync

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates supported client operations.
type OperationType string

const (
	// OperationTypePut inserts or replaces a record payload.
	OperationTypePut OperationType = "put"
	// OperationTypeDelete marks a record as deleted.
	OperationTypeDelete OperationType = "delete"
)

const (
	maxIdentifierLength = 190
	maxOpIDLength       = 64
)

var (
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("sync: invalid workspace id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("sync: invalid device id")
	// ErrInvalidOpID indicates that a client operation identifier is empty or too long.
	ErrInvalidOpID = errors.New("sync: invalid op id")
	// ErrInvalidTableKind indicates that a table name is not in the synced-table allowlist.
	ErrInvalidTableKind = errors.New("sync: invalid table")
	// ErrInvalidOperation indicates that an operation type is unknown.
	ErrInvalidOperation = errors.New("sync: invalid operation")
	// ErrInvalidRecordKey indicates that a record primary key is empty or exceeds storage bounds.
	ErrInvalidRecordKey = errors.New("sync: invalid record key")
)

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// OpID represents a validated client-generated idempotency key.
type OpID string

// NewOpID validates raw input and returns an OpID.
func NewOpID(rawInput string) (OpID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOpID)
	}
	if len(trimmed) > maxOpIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOpID, maxOpIDLength)
	}
	return OpID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OpID) String() string {
	return string(id)
}

// RecordKey represents a validated record primary key.
type RecordKey string

// NewRecordKey validates raw input and returns a RecordKey.
func NewRecordKey(rawInput string) (RecordKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordKey, maxIdentifierLength)
	}
	return RecordKey(trimmed), nil
}

// String returns the underlying string key.
func (key RecordKey) String() string {
	return string(key)
}

// TableKind enumerates the synced tables. The allowlist is closed: adding a
// table means adding a constant here and to tableKindSpecs.
type TableKind string

const (
	// TableNotes holds note records.
	TableNotes TableKind = "notes"
	// TableThreads holds conversation thread records.
	TableThreads TableKind = "threads"
	// TableAttachments holds attachment metadata records.
	TableAttachments TableKind = "attachments"
)

type tableKindSpec struct {
	keyField string
}

var tableKindSpecs = map[TableKind]tableKindSpec{
	TableNotes:       {keyField: "note_id"},
	TableThreads:     {keyField: "thread_id"},
	TableAttachments: {keyField: "attachment_id"},
}

// ParseTableKind validates raw input against the synced-table allowlist.
func ParseTableKind(rawInput string) (TableKind, error) {
	kind := TableKind(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := tableKindSpecs[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTableKind, rawInput)
	}
	return kind, nil
}

// String returns the table name.
func (kind TableKind) String() string {
	return string(kind)
}

// KeyField returns the payload field that carries this table's primary key.
func (kind TableKind) KeyField() string {
	return tableKindSpecs[kind].keyField
}

// ParseOperationType validates raw input and returns an OperationType.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationTypePut:
		return OperationTypePut, nil
	case OperationTypeDelete:
		return OperationTypeDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// VersionCounter is the per-workspace high-water mark of allocated versions.
type VersionCounter struct {
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	Value            int64  `gorm:"column:value;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (VersionCounter) TableName() string {
	return "sync_version_counters"
}

// ChangeLogEntry is the immutable record of one applied operation.
type ChangeLogEntry struct {
	WorkspaceID      string        `gorm:"column:workspace_id;primaryKey;size:190;not null;index:idx_change_log_ws_version,priority:1"`
	ServerVersion    int64         `gorm:"column:server_version;primaryKey;not null;index:idx_change_log_ws_version,priority:2"`
	Table            string        `gorm:"column:table_name;size:64;not null"`
	RecordKey        string        `gorm:"column:record_key;size:190;not null"`
	Op               OperationType `gorm:"column:op;size:16;not null"`
	PayloadJSON      string        `gorm:"column:payload_json;type:text;not null;default:''"`
	Clock            int64         `gorm:"column:clock;not null"`
	HLC              string        `gorm:"column:hlc;size:128;not null"`
	DeviceID         string        `gorm:"column:device_id;size:190;not null"`
	OpID             string        `gorm:"column:op_id;size:64;not null;uniqueIndex:idx_change_log_op_id"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLogEntry) TableName() string {
	return "sync_change_log"
}

// Tombstone records the most recent delete for a record key so that stale
// puts cannot resurrect it after the state row is gone.
type Tombstone struct {
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	Table            string `gorm:"column:table_name;primaryKey;size:64;not null"`
	RecordKey        string `gorm:"column:record_key;primaryKey;size:190;not null"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null"`
	Clock            int64  `gorm:"column:clock;not null"`
	ServerVersion    int64  `gorm:"column:server_version;not null;index:idx_tombstones_ws_version"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tombstone) TableName() string {
	return "sync_tombstones"
}

// DeviceCursor tracks the highest version a device has durably consumed.
type DeviceCursor struct {
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	DeviceID         string `gorm:"column:device_id;primaryKey;size:190;not null"`
	LastSeenVersion  int64  `gorm:"column:last_seen_version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceCursor) TableName() string {
	return "sync_device_cursors"
}

// Record is the current-state row for one synced record. Deletes are logical;
// the sync path never removes rows from this table.
type Record struct {
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	Table            string `gorm:"column:table_name;primaryKey;size:64;not null"`
	RecordKey        string `gorm:"column:record_key;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	Clock            int64  `gorm:"column:clock;not null"`
	HLC              string `gorm:"column:hlc;size:128;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_records"
}
