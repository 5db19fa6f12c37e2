package sync

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "sync.service.new"
	opAllocateVersions = "sync.allocate_versions"
	opPush             = "sync.push"
	opPull             = "sync.pull"
	opUpdateCursor     = "sync.update_cursor"
	opRetentionGC      = "sync.retention_gc"
	opSweep            = "sync.sweep"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Limits bounds per-request work. All values are operator tunable.
type Limits struct {
	MaxPushOps         int
	MaxPullLimit       int
	MaxPayloadBytes    int
	RetentionSeconds   int64
	GCBatchSize        int
	MaxGCContinuations int
	SweepWorkspaceCap  int
	SweepSampleRows    int
}

// DefaultLimits returns the default protocol limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPushOps:         100,
		MaxPullLimit:       500,
		MaxPayloadBytes:    64 * 1024,
		RetentionSeconds:   30 * 24 * 60 * 60,
		GCBatchSize:        100,
		MaxGCContinuations: 10,
		SweepWorkspaceCap:  50,
		SweepSampleRows:    500,
	}
}

func (l Limits) withDefaults() Limits {
	defaults := DefaultLimits()
	if l.MaxPushOps <= 0 {
		l.MaxPushOps = defaults.MaxPushOps
	}
	if l.MaxPullLimit <= 0 {
		l.MaxPullLimit = defaults.MaxPullLimit
	}
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if l.RetentionSeconds <= 0 {
		l.RetentionSeconds = defaults.RetentionSeconds
	}
	if l.GCBatchSize <= 0 {
		l.GCBatchSize = defaults.GCBatchSize
	}
	if l.MaxGCContinuations <= 0 {
		l.MaxGCContinuations = defaults.MaxGCContinuations
	}
	if l.SweepWorkspaceCap <= 0 {
		l.SweepWorkspaceCap = defaults.SweepWorkspaceCap
	}
	if l.SweepSampleRows <= 0 {
		l.SweepSampleRows = defaults.SweepSampleRows
	}
	return l
}

// Notifier receives a signal after a push commits new change-log entries.
type Notifier interface {
	ChangesCommitted(workspaceID string, serverVersion int64)
}

type noOpNotifier struct{}

func (noOpNotifier) ChangesCommitted(string, int64) {}

// ServiceConfig describes the dependencies required by the sync service.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	Limits    Limits
	Scheduler Scheduler
	Notifier  Notifier
}

// Service implements the synchronization protocol engine.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	limits    Limits
	scheduler Scheduler
	notifier  Notifier
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = timerScheduler{}
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noOpNotifier{}
	}

	return &Service{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		limits:    cfg.Limits.withDefaults(),
		scheduler: scheduler,
		notifier:  notifier,
	}, nil
}

// Limits exposes the effective protocol limits.
func (s *Service) Limits() Limits {
	return s.limits
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync service error", attrs...)
}
