package repository

import (
	"context"

	"github.com/deploybay/engine/internal/models"
	appErr "github.com/deploybay/engine/pkg/errors"
	"gorm.io/gorm"
)

type ProjectRepository interface {
	BaseRepository[models.Project]
	List(ctx context.Context) ([]models.Project, error)
	GetByName(ctx context.Context, name string, dest *models.Project) error
}

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db), db: db}
}

func (r *projectRepository) List(ctx context.Context) ([]models.Project, error) {
	var out []models.Project
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list projects failed")
	}
	return out, nil
}

func (r *projectRepository) GetByName(ctx context.Context, name string, dest *models.Project) error {
	if err := r.db.WithContext(ctx).First(dest, "name = ?", name).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "project not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get project by name failed")
	}
	return nil
}
