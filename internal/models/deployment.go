package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeploymentStatus enumerates the deployment state machine.
type DeploymentStatus string

const (
	StatusPending        DeploymentStatus = "pending"
	StatusProvisioning   DeploymentStatus = "provisioning"
	StatusHealthChecking DeploymentStatus = "health_checking"
	StatusActivating     DeploymentStatus = "activating"
	StatusActive         DeploymentStatus = "active"
	StatusSuperseded     DeploymentStatus = "superseded"
	StatusFailed         DeploymentStatus = "failed"
	StatusCancelled      DeploymentStatus = "cancelled"
)

// transitions is the legal edge set of the state machine. Failure exits from
// any non-terminal state and external cancellation from pending/provisioning
// are encoded here; everything else is forward progress.
var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:        {StatusProvisioning, StatusFailed, StatusCancelled},
	StatusProvisioning:   {StatusHealthChecking, StatusFailed, StatusCancelled},
	StatusHealthChecking: {StatusActivating, StatusFailed},
	StatusActivating:     {StatusActive, StatusFailed, StatusCancelled},
	StatusActive:         {StatusSuperseded},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions except the
// active -> superseded hand-off.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuperseded || s == StatusFailed || s == StatusCancelled
}

// Deployment is one build-to-activation attempt. It is created when a job is
// enqueued, mutated only by the orchestrator, and immutable once terminal.
type Deployment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`

	// ArtifactRef is an opaque content-addressed handle produced by the
	// build toolchain. Immutable once referenced.
	ArtifactRef string `gorm:"type:varchar(256);not null" json:"artifact_ref" validate:"required"`

	Status DeploymentStatus `gorm:"type:varchar(32);index;not null" json:"status"`

	// Metadata is opaque build metadata recorded at submission (commit sha,
	// build number, whatever the toolchain attaches). Never interpreted here.
	Metadata datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`

	// UnitRef and UnitEndpoint identify the provisioned execution unit.
	// Empty until provisioning completes.
	UnitRef      string `gorm:"type:varchar(256);index" json:"unit_ref,omitempty"`
	UnitEndpoint string `gorm:"type:varchar(512)" json:"unit_endpoint,omitempty"`

	FailureReason string `gorm:"type:text" json:"failure_reason,omitempty"`

	CreatedAt   time.Time      `json:"created_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	RetiredAt   *time.Time     `json:"retired_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// InFlight reports whether the deployment currently holds the per-project
// pipeline slot: a second deployment for the same project must not provision
// or activate while one of these is underway.
func (d *Deployment) InFlight() bool {
	switch d.Status {
	case StatusProvisioning, StatusHealthChecking, StatusActivating:
		return true
	}
	return false
}
