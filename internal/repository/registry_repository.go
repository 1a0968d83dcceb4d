package repository

import (
	"context"
	"time"

	"github.com/deploybay/engine/internal/models"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RegistryRepository is the tenant registry: the single linearizable record
// of which deployment is live for each project. Activation is a conditional
// UPDATE on the active pointer; the database serializes competing writers, so
// the first successful compare-and-swap wins and the loser observes conflict.
type RegistryRepository interface {
	// GetActive returns the project's active deployment, or CodeNotFound if
	// the project has never shipped.
	GetActive(ctx context.Context, projectID uuid.UUID, dest *models.Deployment) error

	// CompareAndSetActive swaps the active pointer only if it still equals
	// expectedPrior (nil means "never shipped"). Returns CodeConflict when the
	// pointer moved underneath the caller.
	CompareAndSetActive(ctx context.Context, projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error

	// Activate performs the full activation in one transaction: CAS the
	// pointer, mark the winning deployment active, and retire the prior
	// deployment to superseded.
	Activate(ctx context.Context, projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error
}

type registryRepository struct {
	db *gorm.DB
}

func NewRegistryRepository(db *gorm.DB) RegistryRepository {
	return &registryRepository{db: db}
}

func (r *registryRepository) GetActive(ctx context.Context, projectID uuid.UUID, dest *models.Deployment) error {
	var p models.Project
	if err := r.db.WithContext(ctx).First(&p, "id = ?", projectID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "project not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get project failed")
	}
	if p.ActiveDeploymentID == nil {
		return appErr.New(appErr.CodeNotFound, "no active deployment")
	}
	if err := r.db.WithContext(ctx).First(dest, "id = ?", *p.ActiveDeploymentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "active deployment missing")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get active deployment failed")
	}
	return nil
}

func (r *registryRepository) CompareAndSetActive(ctx context.Context, projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error {
	return r.casActive(r.db.WithContext(ctx), projectID, expectedPrior, next)
}

func (r *registryRepository) casActive(tx *gorm.DB, projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error {
	// IS NOT DISTINCT FROM makes the NULL ("never shipped") case a plain
	// equality check instead of a special branch.
	res := tx.Model(&models.Project{}).
		Where("id = ? AND active_deployment_id IS NOT DISTINCT FROM ?", projectID, expectedPrior).
		Update("active_deployment_id", next)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "registry compare-and-swap failed")
	}
	if res.RowsAffected == 0 {
		var p models.Project
		if err := tx.First(&p, "id = ?", projectID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.New(appErr.CodeNotFound, "project not found")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "registry conflict re-read failed")
		}
		return appErr.New(appErr.CodeConflict, "active deployment changed concurrently")
	}
	return nil
}

func (r *registryRepository) Activate(ctx context.Context, projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.casActive(tx, projectID, expectedPrior, next); err != nil {
			return err
		}

		res := tx.Model(&models.Deployment{}).
			Where("id = ? AND status = ?", next, models.StatusActivating).
			Updates(map[string]any{"status": models.StatusActive, "activated_at": now})
		if res.Error != nil {
			return appErr.Wrap(res.Error, appErr.CodeInternal, "mark deployment active failed")
		}
		if res.RowsAffected == 0 {
			return appErr.New(appErr.CodeConflict, "deployment left activating state")
		}

		if expectedPrior != nil {
			res = tx.Model(&models.Deployment{}).
				Where("id = ? AND status = ?", *expectedPrior, models.StatusActive).
				Updates(map[string]any{"status": models.StatusSuperseded, "retired_at": now})
			if res.Error != nil {
				return appErr.Wrap(res.Error, appErr.CodeInternal, "retire prior deployment failed")
			}
			// Zero rows here means the prior deployment already left active;
			// the pointer swap above is still the source of truth.
		}
		return nil
	})
}
