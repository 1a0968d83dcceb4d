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

// DomainService is the write side of the domain manager, called by the
// external domain-verification flow. Reads go through the gateway's cache.
type DomainService interface {
	Bind(ctx context.Context, hostname string, projectID uuid.UUID, deploymentID *uuid.UUID) (*models.DomainBinding, error)
	Unbind(ctx context.Context, hostname string) error
	Resolve(ctx context.Context, hostname string) (*models.DomainBinding, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DomainBinding, error)
}

type domainService struct {
	projectRepo repository.ProjectRepository
	deployRepo  repository.DeploymentRepository
	domainRepo  repository.DomainRepository
}

func NewDomainService(projectRepo repository.ProjectRepository, deployRepo repository.DeploymentRepository, domainRepo repository.DomainRepository) DomainService {
	return &domainService{projectRepo: projectRepo, deployRepo: deployRepo, domainRepo: domainRepo}
}

var _ DomainService = (*domainService)(nil)

func (s *domainService) Bind(ctx context.Context, hostname string, projectID uuid.UUID, deploymentID *uuid.UUID) (*models.DomainBinding, error) {
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}

	if deploymentID != nil {
		var d models.Deployment
		if err := s.deployRepo.GetByID(ctx, *deploymentID, &d); err != nil {
			return nil, err
		}
		if d.ProjectID != projectID {
			return nil, appErr.New(appErr.CodeInvalid, "pinned deployment belongs to another project")
		}
	}

	b := &models.DomainBinding{
		Hostname:     hostname,
		ProjectID:    projectID,
		DeploymentID: deploymentID,
	}
	if err := s.domainRepo.Bind(ctx, b); err != nil {
		return nil, err
	}
	logger.L().Info("hostname bound",
		zap.String("hostname", b.Hostname),
		zap.String("project_id", projectID.String()),
	)
	return b, nil
}

func (s *domainService) Unbind(ctx context.Context, hostname string) error {
	if err := s.domainRepo.Unbind(ctx, hostname); err != nil {
		return err
	}
	logger.L().Info("hostname unbound", zap.String("hostname", hostname))
	return nil
}

func (s *domainService) Resolve(ctx context.Context, hostname string) (*models.DomainBinding, error) {
	var b models.DomainBinding
	if err := s.domainRepo.Resolve(ctx, hostname, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *domainService) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DomainBinding, error) {
	return s.domainRepo.ListByProject(ctx, projectID)
}
