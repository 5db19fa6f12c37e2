package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInvalidWorkspaceName indicates an empty workspace name.
	ErrInvalidWorkspaceName = errors.New("workspace: invalid name")
	// ErrInvalidMember indicates an empty user identifier.
	ErrInvalidMember = errors.New("workspace: invalid member")
	// ErrNotFound indicates the workspace does not exist.
	ErrNotFound = errors.New("workspace: not found")
)

// ServiceConfig describes the dependencies required for membership checks.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service answers workspace membership questions for the sync engine. The
// sync engine treats it as an external collaborator: membership is a
// precondition checked before any push, pull, cursor, or GC call.
type Service struct {
	db    *gorm.DB
	cache sync.Map
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("workspace: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// CreateWorkspace registers a new workspace and returns its identifier.
func (s *Service) CreateWorkspace(ctx context.Context, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrInvalidWorkspaceName
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	record := Workspace{WorkspaceID: id.String(), Name: trimmed}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", err
	}
	return record.WorkspaceID, nil
}

// AddMember grants a user access to a workspace.
func (s *Service) AddMember(ctx context.Context, workspaceID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidMember
	}
	var existing Workspace
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, workspaceID)
	}
	if err != nil {
		return err
	}
	membership := Membership{WorkspaceID: workspaceID, UserID: userID, Role: "member"}
	if err := s.db.WithContext(ctx).Save(&membership).Error; err != nil {
		return err
	}
	s.cache.Store(cacheKey(workspaceID, userID), true)
	return nil
}

// IsMember reports whether the user belongs to the workspace. Positive
// answers are cached in process; revocation takes effect on restart.
func (s *Service) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	if workspaceID == "" || userID == "" {
		return false, nil
	}
	if cached, ok := s.cache.Load(cacheKey(workspaceID, userID)); ok {
		if member, ok := cached.(bool); ok && member {
			return true, nil
		}
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Membership{}).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	s.cache.Store(cacheKey(workspaceID, userID), true)
	return true, nil
}

func cacheKey(workspaceID, userID string) string {
	return workspaceID + ":" + userID
}
