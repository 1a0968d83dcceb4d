package repository

import (
	"context"
	"time"

	"github.com/deploybay/engine/internal/models"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Deployment, error)

	// Transition moves a deployment from one status to another with a
	// conditional UPDATE. Zero rows affected means the deployment was not in
	// `from` anymore, which callers treat as "someone else got here first" —
	// this is what makes at-least-once job delivery safe.
	Transition(ctx context.Context, deploymentID uuid.UUID, from, to models.DeploymentStatus) error

	// SetUnit records the provisioned execution unit on the deployment.
	SetUnit(ctx context.Context, deploymentID uuid.UUID, unitRef, unitEndpoint string) error

	// MarkFailed moves the deployment to failed with a reason, from any
	// non-terminal status.
	MarkFailed(ctx context.Context, deploymentID uuid.UUID, reason string) error

	// MarkCancelled moves the deployment to cancelled from the given status
	// and stamps retirement so the sweep can reclaim any held unit.
	MarkCancelled(ctx context.Context, deploymentID uuid.UUID, from models.DeploymentStatus) error

	// ClaimForProvisioning claims a pending deployment and enforces the
	// per-project pipeline in the same statement: the UPDATE matches only
	// while no other deployment of the project is in flight
	// (provisioning..activating). Returns CodeConflict when the deployment
	// left pending, CodeUnavailable when the project pipeline is busy.
	ClaimForProvisioning(ctx context.Context, deploymentID, projectID uuid.UUID) error

	// ListReclaimable returns terminal deployments still holding an execution
	// unit whose retirement is older than the grace period.
	ListReclaimable(ctx context.Context, olderThan time.Time) ([]models.Deployment, error)

	// ClaimUnit atomically clears the unit reference and endpoint, returning
	// conflict if another sweep already claimed it. Exactly one caller wins.
	// Callers that then fail to destroy the unit restore it with SetUnit so a
	// later sweep retries.
	ClaimUnit(ctx context.Context, deploymentID uuid.UUID, unitRef string) error
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{BaseRepository: NewBaseRepository[models.Deployment](db), db: db}
}

func (r *deploymentRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Deployment, error) {
	var out []models.Deployment
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) Transition(ctx context.Context, deploymentID uuid.UUID, from, to models.DeploymentStatus) error {
	if !from.CanTransition(to) {
		return appErr.New(appErr.CodeInvalid, "illegal status transition").
			WithMeta("from", string(from)).WithMeta("to", string(to))
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status = ?", deploymentID, from).
		Update("status", to)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "transition deployment failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "deployment not in expected status").
			WithMeta("expected", string(from))
	}
	return nil
}

func (r *deploymentRepository) SetUnit(ctx context.Context, deploymentID uuid.UUID, unitRef, unitEndpoint string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ?", deploymentID).
		Updates(map[string]any{"unit_ref": unitRef, "unit_endpoint": unitEndpoint})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set deployment unit failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) MarkFailed(ctx context.Context, deploymentID uuid.UUID, reason string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status NOT IN ?", deploymentID, []models.DeploymentStatus{
			models.StatusSuperseded, models.StatusFailed, models.StatusCancelled,
		}).
		Updates(map[string]any{
			"status":         models.StatusFailed,
			"failure_reason": reason,
			"retired_at":     now,
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "mark deployment failed failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "deployment already terminal")
	}
	return nil
}

func (r *deploymentRepository) MarkCancelled(ctx context.Context, deploymentID uuid.UUID, from models.DeploymentStatus) error {
	if !from.CanTransition(models.StatusCancelled) {
		return appErr.New(appErr.CodeInvalid, "deployment not cancellable from status").
			WithMeta("from", string(from))
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status = ?", deploymentID, from).
		Updates(map[string]any{
			"status":     models.StatusCancelled,
			"retired_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "mark deployment cancelled failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "deployment not in expected status")
	}
	return nil
}

func (r *deploymentRepository) ClaimForProvisioning(ctx context.Context, deploymentID, projectID uuid.UUID) error {
	// The NOT EXISTS guard and the status claim must be one statement; a
	// separate in-flight check would let two workers claim two deployments
	// of the same project between check and claim.
	res := r.db.WithContext(ctx).Exec(`
		UPDATE deployments SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM deployments d
			WHERE d.project_id = ? AND d.id <> ? AND d.status IN ? AND d.deleted_at IS NULL
		  )`,
		models.StatusProvisioning, time.Now().UTC(),
		deploymentID, models.StatusPending,
		projectID, deploymentID, []models.DeploymentStatus{
			models.StatusProvisioning, models.StatusHealthChecking, models.StatusActivating,
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "claim deployment for provisioning failed")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var cur models.Deployment
	if err := r.db.WithContext(ctx).First(&cur, "id = ?", deploymentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "deployment not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "claim re-read failed")
	}
	if cur.Status != models.StatusPending {
		return appErr.New(appErr.CodeConflict, "deployment not in expected status").
			WithMeta("status", string(cur.Status))
	}
	return appErr.New(appErr.CodeUnavailable, "project has an in-flight deployment")
}

func (r *deploymentRepository) ListReclaimable(ctx context.Context, olderThan time.Time) ([]models.Deployment, error) {
	var out []models.Deployment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND unit_ref <> '' AND retired_at IS NOT NULL AND retired_at < ?", []models.DeploymentStatus{
			models.StatusSuperseded, models.StatusFailed, models.StatusCancelled,
		}, olderThan).
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list reclaimable deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) ClaimUnit(ctx context.Context, deploymentID uuid.UUID, unitRef string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND unit_ref = ?", deploymentID, unitRef).
		Updates(map[string]any{"unit_ref": "", "unit_endpoint": ""})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "claim deployment unit failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "unit already claimed")
	}
	return nil
}
