package sync

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testEpochSeconds = int64(1700000600)

type recordingScheduler struct {
	delays []time.Duration
	tasks  []func()
}

func (s *recordingScheduler) Schedule(delay time.Duration, task func()) {
	s.delays = append(s.delays, delay)
	s.tasks = append(s.tasks, task)
}

// drain runs scheduled tasks until none remain, returning how many ran.
func (s *recordingScheduler) drain() int {
	ran := 0
	for len(s.tasks) > 0 {
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.delays = s.delays[1:]
		task()
		ran++
	}
	return ran
}

type recordingNotifier struct {
	workspaces []string
	versions   []int64
}

func (n *recordingNotifier) ChangesCommitted(workspaceID string, serverVersion int64) {
	n.workspaces = append(n.workspaces, workspaceID)
	n.versions = append(n.versions, serverVersion)
}

type testServiceOptions struct {
	limits    Limits
	clock     func() time.Time
	scheduler Scheduler
	notifier  Notifier
}

func newTestService(t *testing.T, opts testServiceOptions) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:tidemark_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&VersionCounter{}, &ChangeLogEntry{}, &Tombstone{}, &DeviceCursor{}, &Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := opts.clock
	if clock == nil {
		clock = func() time.Time { return time.Unix(testEpochSeconds, 0).UTC() }
	}

	service, err := NewService(ServiceConfig{
		Database:  db,
		Clock:     clock,
		Limits:    opts.limits,
		Scheduler: opts.scheduler,
		Notifier:  opts.notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}

	return service, db
}

func mustWorkspaceID(t *testing.T, value string) WorkspaceID {
	t.Helper()
	id, err := NewWorkspaceID(value)
	if err != nil {
		t.Fatalf("unexpected workspace id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustHLC(t *testing.T, value string) HLC {
	t.Helper()
	stamp, err := NewHLC(value)
	if err != nil {
		t.Fatalf("unexpected hlc error: %v", err)
	}
	return stamp
}

func mustOperation(t *testing.T, cfg OperationConfig) Operation {
	t.Helper()
	op, err := NewOperation(cfg)
	if err != nil {
		t.Fatalf("unexpected operation error: %v", err)
	}
	return op
}

func putConfig(opID, recordKey, payloadJSON string, clock int64, hlc, deviceID string) OperationConfig {
	return OperationConfig{
		OpID:        OpID(opID),
		Table:       TableNotes,
		Type:        OperationTypePut,
		RecordKey:   RecordKey(recordKey),
		PayloadJSON: payloadJSON,
		Clock:       clock,
		HLC:         HLC(hlc),
		DeviceID:    DeviceID(deviceID),
	}
}

func deleteConfig(opID, recordKey string, clock int64, hlc, deviceID string) OperationConfig {
	return OperationConfig{
		OpID:      OpID(opID),
		Table:     TableNotes,
		Type:      OperationTypeDelete,
		RecordKey: RecordKey(recordKey),
		Clock:     clock,
		HLC:       HLC(hlc),
		DeviceID:  DeviceID(deviceID),
	}
}
