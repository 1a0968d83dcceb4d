package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploybay/engine/internal/models"
	"github.com/deploybay/engine/internal/repository"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/deploybay/engine/pkg/logger"
)

// ProjectService covers the thin slice of project management this core needs;
// ownership, quotas and the rest live in the business layer.
type ProjectService interface {
	Create(ctx context.Context, name string) (*models.Project, error)
	Get(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	List(ctx context.Context) ([]models.Project, error)
}

type projectService struct {
	projectRepo repository.ProjectRepository
}

func NewProjectService(projectRepo repository.ProjectRepository) ProjectService {
	return &projectService{projectRepo: projectRepo}
}

var _ ProjectService = (*projectService)(nil)

func (s *projectService) Create(ctx context.Context, name string) (*models.Project, error) {
	if name == "" {
		return nil, appErr.New(appErr.CodeInvalid, "name is required")
	}
	var existing models.Project
	if err := s.projectRepo.GetByName(ctx, name, &existing); err == nil {
		return nil, appErr.New(appErr.CodeAlreadyExists, "project name already taken")
	} else if !appErr.IsNotFound(err) {
		return nil, err
	}

	p := &models.Project{Name: name}
	if err := s.projectRepo.Create(ctx, p); err != nil {
		return nil, err
	}
	logger.L().Info("project created", zap.String("project_id", p.ID.String()), zap.String("name", name))
	return p, nil
}

func (s *projectService) Get(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *projectService) List(ctx context.Context) ([]models.Project, error) {
	return s.projectRepo.List(ctx)
}
