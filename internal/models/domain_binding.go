package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DomainBinding maps a hostname to a project. A binding may optionally pin a
// specific deployment (preview/staging alias); otherwise the gateway follows
// the project's active-deployment pointer.
type DomainBinding struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Hostname  string    `gorm:"not null;uniqueIndex" json:"hostname" validate:"required,hostname_rfc1123"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`

	// DeploymentID pins the binding to one deployment when set.
	DeploymentID *uuid.UUID `gorm:"type:uuid;index" json:"deployment_id,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
