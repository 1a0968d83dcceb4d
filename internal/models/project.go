package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project is a tenant's application. The business layer owns most of it;
// this core reads and writes only the active-deployment pointer and the
// project's domain bindings.
type Project struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name string    `gorm:"not null;uniqueIndex" json:"name" validate:"required"`

	// ActiveDeploymentID is the registry pointer: the single deployment
	// currently receiving live traffic. Nil until the project first ships.
	// Mutated only through RegistryRepository.Activate (compare-and-swap).
	ActiveDeploymentID *uuid.UUID `gorm:"type:uuid;index" json:"active_deployment_id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
