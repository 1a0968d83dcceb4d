package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/deploybay/engine/internal/models"
	"github.com/deploybay/engine/internal/queue/tasks"
	"github.com/deploybay/engine/internal/repository"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/deploybay/engine/pkg/logger"
)

// DeploymentService is the boundary the build toolchain talks to: submitting
// a deployment records it and enqueues a job; the orchestrator worker does
// everything else.
type DeploymentService interface {
	// Submit creates a pending deployment for the artifact and enqueues it.
	// metadata is stored verbatim alongside the record.
	Submit(ctx context.Context, projectID uuid.UUID, artifactRef string, metadata json.RawMessage) (*models.Deployment, error)

	// Cancel requests cooperative cancellation. Only pending and provisioning
	// deployments can be cancelled; later states are past the point of no
	// return (activation either wins or self-cancels on conflict).
	Cancel(ctx context.Context, deploymentID uuid.UUID) error

	Get(ctx context.Context, deploymentID uuid.UUID) (*models.Deployment, error)
	List(ctx context.Context, projectID uuid.UUID) ([]models.Deployment, error)
}

type deploymentService struct {
	projectRepo repository.ProjectRepository
	deployRepo  repository.DeploymentRepository
	asynqClient *asynq.Client
}

func NewDeploymentService(projectRepo repository.ProjectRepository, deployRepo repository.DeploymentRepository, client *asynq.Client) DeploymentService {
	return &deploymentService{projectRepo: projectRepo, deployRepo: deployRepo, asynqClient: client}
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) Submit(ctx context.Context, projectID uuid.UUID, artifactRef string, metadata json.RawMessage) (*models.Deployment, error) {
	if artifactRef == "" {
		return nil, appErr.New(appErr.CodeInvalid, "artifact_ref is required")
	}

	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}

	d := &models.Deployment{
		ProjectID:   projectID,
		ArtifactRef: artifactRef,
		Status:      models.StatusPending,
		Metadata:    datatypes.JSON(metadata),
	}
	if err := s.deployRepo.Create(ctx, d); err != nil {
		return nil, err
	}

	pb, _ := json.Marshal(tasks.DeployPayload{DeploymentID: d.ID.String()})
	task := asynq.NewTask(tasks.TypeDeploy, pb)
	if s.asynqClient == nil {
		logger.L().Warn("asynq client not configured, skipping enqueue", zap.String("deployment_id", d.ID.String()))
	} else if _, err := s.asynqClient.EnqueueContext(ctx, task, asynq.MaxRetry(50)); err != nil {
		logger.L().Error("enqueue deploy task failed", zap.Error(err), zap.String("deployment_id", d.ID.String()))
		_ = s.deployRepo.MarkFailed(ctx, d.ID, "enqueue failed: "+err.Error())
		return nil, appErr.Wrap(err, appErr.CodeInternal, "enqueue deploy task failed")
	}

	logger.L().Info("deployment submitted",
		zap.String("deployment_id", d.ID.String()),
		zap.String("project_id", projectID.String()),
		zap.String("artifact_ref", artifactRef),
	)
	return d, nil
}

func (s *deploymentService) Cancel(ctx context.Context, deploymentID uuid.UUID) error {
	var d models.Deployment
	if err := s.deployRepo.GetByID(ctx, deploymentID, &d); err != nil {
		return err
	}

	for _, from := range []models.DeploymentStatus{models.StatusPending, models.StatusProvisioning} {
		err := s.deployRepo.MarkCancelled(ctx, deploymentID, from)
		if err == nil {
			logger.L().Info("deployment cancelled", zap.String("deployment_id", deploymentID.String()))
			return nil
		}
		if !appErr.IsConflict(err) {
			return err
		}
	}
	return appErr.New(appErr.CodeConflict, "deployment is past the cancellable states").
		WithMeta("status", string(d.Status))
}

func (s *deploymentService) Get(ctx context.Context, deploymentID uuid.UUID) (*models.Deployment, error) {
	var d models.Deployment
	if err := s.deployRepo.GetByID(ctx, deploymentID, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deploymentService) List(ctx context.Context, projectID uuid.UUID) ([]models.Deployment, error) {
	var p models.Project
	if err := s.projectRepo.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}
	return s.deployRepo.ListByProject(ctx, projectID)
}
