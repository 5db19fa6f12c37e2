package workspace

import "time"

// Workspace is the tenancy boundary for synced data.
type Workspace struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	Name        string    `gorm:"column:name;size:320;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "workspaces"
}

// Membership maps a user onto a workspace.
type Membership struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role        string    `gorm:"column:role;size:32;not null;default:'member'"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "workspace_memberships"
}
