package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/deploybay/engine/internal/bus"
	"github.com/deploybay/engine/internal/models"
	"github.com/deploybay/engine/internal/provisioner"
	"github.com/deploybay/engine/internal/repository"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/deploybay/engine/pkg/logger"
)

const (
	// TypeDeploy drives one deployment through the state machine.
	TypeDeploy = "deployment:deploy"
	// TypeSweep reclaims execution units of retired deployments.
	TypeSweep = "deployment:sweep"
)

// DeployPayload is the task payload for deploy tasks.
type DeployPayload struct {
	DeploymentID string `json:"deployment_id"`
}

// ErrProjectBusy defers a deploy job whose project already has a deployment
// in flight. The worker retries these on a flat schedule instead of the
// exponential failure backoff.
var ErrProjectBusy = errors.New("project has an in-flight deployment")

// IsProjectBusy reports whether err is a busy-defer, not a failure.
func IsProjectBusy(err error) bool { return errors.Is(err, ErrProjectBusy) }

// DeployOptions bounds every suspension point of the state machine.
type DeployOptions struct {
	ProvisionAttempts int
	RetryDelay        time.Duration
	ProbeAttempts     int
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
}

// DeployTaskHandler consumes deploy jobs and drives the per-deployment state
// machine: provision, health-check, activate. Delivery is at-least-once, so
// every step is an idempotent, conditionally-claimed transition keyed by
// deployment ID; a redelivered job resumes from the last durable state.
type DeployTaskHandler struct {
	prov       provisioner.Provisioner
	deployRepo repository.DeploymentRepository
	registry   repository.RegistryRepository
	publisher  bus.ActivationPublisher
	opts       DeployOptions
}

func NewDeployTaskHandler(
	prov provisioner.Provisioner,
	deployRepo repository.DeploymentRepository,
	registry repository.RegistryRepository,
	publisher bus.ActivationPublisher,
	opts DeployOptions,
) *DeployTaskHandler {
	if opts.ProvisionAttempts <= 0 {
		opts.ProvisionAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = 10
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 2 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	return &DeployTaskHandler{
		prov:       prov,
		deployRepo: deployRepo,
		registry:   registry,
		publisher:  publisher,
		opts:       opts,
	}
}

func (h *DeployTaskHandler) HandleDeploy(ctx context.Context, t *asynq.Task) error {
	var p DeployPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid deploy task payload", zap.Error(err))
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(p.DeploymentID)
	if err != nil {
		logger.L().Error("invalid deployment id in task", zap.Error(err))
		return fmt.Errorf("parse deployment id: %v: %w", err, asynq.SkipRetry)
	}

	var d models.Deployment
	if err := h.deployRepo.GetByID(ctx, id, &d); err != nil {
		if appErr.IsNotFound(err) {
			logger.L().Warn("deploy task for unknown deployment", zap.String("deployment_id", id.String()))
			return fmt.Errorf("deployment gone: %w", asynq.SkipRetry)
		}
		return err
	}

	log := logger.L().With(
		zap.String("deployment_id", d.ID.String()),
		zap.String("project_id", d.ProjectID.String()),
	)

	// Redelivery of a finished job is a no-op.
	if d.Status.Terminal() || d.Status == models.StatusActive {
		log.Info("deploy task redelivered for settled deployment", zap.String("status", string(d.Status)))
		return nil
	}

	if d.Status == models.StatusPending {
		// Per-project serialization: the claim and the in-flight guard are a
		// single conditional statement, so two workers can never move two
		// deployments of one project in flight. A busy project defers the job
		// back to asynq for a scheduled retry.
		if err := h.deployRepo.ClaimForProvisioning(ctx, d.ID, d.ProjectID); err != nil {
			switch {
			case appErr.IsUnavailable(err):
				log.Info("project pipeline busy, deferring deployment")
				return fmt.Errorf("defer deployment %s: %w", d.ID, ErrProjectBusy)
			case appErr.IsConflict(err):
				// Lost the claim; whoever holds it will finish the job.
				log.Info("deployment claimed elsewhere")
				return nil
			default:
				return err
			}
		}
		d.Status = models.StatusProvisioning
		log.Info("deployment transition", zap.String("from", "pending"), zap.String("to", "provisioning"))
	}

	if abort, err := h.checkpoint(ctx, &d, log); abort || err != nil {
		return err
	}

	if d.Status == models.StatusProvisioning {
		if err := h.provision(ctx, &d, log); err != nil {
			return err
		}
	}

	// Cancellation during the provisioning step lands here and releases the
	// freshly provisioned unit.
	if abort, err := h.checkpoint(ctx, &d, log); abort || err != nil {
		return err
	}

	if d.Status == models.StatusHealthChecking {
		if err := h.healthCheck(ctx, &d, log); err != nil {
			return err
		}
	}

	if d.Status == models.StatusActivating {
		return h.activate(ctx, &d, log)
	}
	return nil
}

// provision creates the execution unit with bounded exponential backoff. A
// unit reference already present means a previous delivery got this far; the
// create call is skipped entirely so a crash mid-step never doubles units.
func (h *DeployTaskHandler) provision(ctx context.Context, d *models.Deployment, log *zap.Logger) error {
	if d.UnitRef == "" {
		unit, err := h.createWithRetry(ctx, d)
		if err != nil {
			log.Error("provisioning exhausted retries", zap.Error(err))
			return h.fail(ctx, d, "provisioner rejected or timed out: "+err.Error(), log)
		}
		if err := h.deployRepo.SetUnit(ctx, d.ID, unit.Ref, unit.Endpoint); err != nil {
			return err
		}
		d.UnitRef = unit.Ref
		d.UnitEndpoint = unit.Endpoint
		log.Info("execution unit provisioned", zap.String("unit_ref", unit.Ref))
	} else {
		log.Info("resuming with already-provisioned unit", zap.String("unit_ref", d.UnitRef))
	}

	if err := h.deployRepo.Transition(ctx, d.ID, models.StatusProvisioning, models.StatusHealthChecking); err != nil {
		if appErr.IsConflict(err) {
			return h.reload(ctx, d)
		}
		return err
	}
	d.Status = models.StatusHealthChecking
	log.Info("deployment transition", zap.String("from", "provisioning"), zap.String("to", "health_checking"))
	return nil
}

func (h *DeployTaskHandler) createWithRetry(ctx context.Context, d *models.Deployment) (*provisioner.Unit, error) {
	input := provisioner.CreateInput{
		ArtifactRef:    d.ArtifactRef,
		IdempotencyKey: d.ID.String(),
	}
	delay := h.opts.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= h.opts.ProvisionAttempts; attempt++ {
		unit, err := h.prov.Create(ctx, input)
		if err == nil {
			return unit, nil
		}
		lastErr = err
		if attempt == h.opts.ProvisionAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
	return nil, lastErr
}

// healthCheck probes the unit until it answers or the bounded window closes.
func (h *DeployTaskHandler) healthCheck(ctx context.Context, d *models.Deployment, log *zap.Logger) error {
	unit := &provisioner.Unit{Ref: d.UnitRef, Endpoint: d.UnitEndpoint}

	ready := false
	for attempt := 1; attempt <= h.opts.ProbeAttempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, h.opts.ProbeTimeout)
		ok, err := h.prov.ProbeReady(probeCtx, unit)
		cancel()
		if err != nil {
			log.Warn("readiness probe error", zap.Int("attempt", attempt), zap.Error(err))
		}
		if ok {
			ready = true
			break
		}
		if attempt == h.opts.ProbeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.opts.ProbeInterval):
		}
	}

	if !ready {
		log.Error("execution unit never became ready", zap.String("unit_ref", d.UnitRef))
		return h.fail(ctx, d, "readiness probe window exhausted", log)
	}

	if err := h.deployRepo.Transition(ctx, d.ID, models.StatusHealthChecking, models.StatusActivating); err != nil {
		if appErr.IsConflict(err) {
			return h.reload(ctx, d)
		}
		return err
	}
	d.Status = models.StatusActivating
	log.Info("deployment transition", zap.String("from", "health_checking"), zap.String("to", "activating"))
	return nil
}

// activate swaps the registry pointer. The compare-and-swap is the single
// linearization point: first successful writer wins, the loser is cancelled
// and the prior deployment stays live.
func (h *DeployTaskHandler) activate(ctx context.Context, d *models.Deployment, log *zap.Logger) error {
	var expectedPrior *uuid.UUID
	var prior models.Deployment
	err := h.registry.GetActive(ctx, d.ProjectID, &prior)
	switch {
	case err == nil:
		if prior.ID == d.ID {
			// A redelivered job whose activation already committed.
			log.Info("deployment already active")
			return nil
		}
		expectedPrior = &prior.ID
	case appErr.IsNotFound(err):
		expectedPrior = nil
	default:
		return err
	}

	if err := h.registry.Activate(ctx, d.ProjectID, expectedPrior, d.ID); err != nil {
		if appErr.IsConflict(err) {
			// Lost the race. Cancel quietly and leave the winner alone.
			log.Info("activation race lost, cancelling deployment")
			if cerr := h.deployRepo.MarkCancelled(ctx, d.ID, models.StatusActivating); cerr != nil && !appErr.IsConflict(cerr) {
				return cerr
			}
			return nil
		}
		return err
	}

	d.Status = models.StatusActive
	log.Info("deployment transition", zap.String("from", "activating"), zap.String("to", "active"),
		zap.String("unit_ref", d.UnitRef))

	if expectedPrior != nil {
		log.Info("prior deployment superseded", zap.String("prior_deployment_id", expectedPrior.String()))
	}

	if h.publisher != nil {
		if err := h.publisher.PublishActivation(ctx, d.ProjectID); err != nil {
			// Gateways fall back to their cache TTL.
			log.Warn("activation publish failed", zap.Error(err))
		}
	}
	return nil
}

// checkpoint reloads the deployment at a step boundary; cancellation is
// cooperative and lands here. A cancelled deployment releases any unit it
// provisioned and the job completes without error.
func (h *DeployTaskHandler) checkpoint(ctx context.Context, d *models.Deployment, log *zap.Logger) (abort bool, err error) {
	if err := h.reload(ctx, d); err != nil {
		return false, err
	}
	if d.Status != models.StatusCancelled {
		return false, nil
	}
	log.Info("cancellation observed at step boundary")
	h.releaseUnit(ctx, d, log)
	return true, nil
}

func (h *DeployTaskHandler) reload(ctx context.Context, d *models.Deployment) error {
	return h.deployRepo.GetByID(ctx, d.ID, d)
}

// fail marks the deployment failed and reclaims its unit immediately; only
// superseded units wait out the grace period.
func (h *DeployTaskHandler) fail(ctx context.Context, d *models.Deployment, reason string, log *zap.Logger) error {
	if err := h.deployRepo.MarkFailed(ctx, d.ID, reason); err != nil {
		if appErr.IsConflict(err) {
			// Already settled (e.g. cancelled meanwhile).
			return h.reload(ctx, d)
		}
		return err
	}
	d.Status = models.StatusFailed
	log.Info("deployment transition", zap.String("to", "failed"), zap.String("reason", reason))
	h.releaseUnit(ctx, d, log)
	return nil
}

func (h *DeployTaskHandler) releaseUnit(ctx context.Context, d *models.Deployment, log *zap.Logger) {
	if d.UnitRef == "" {
		return
	}
	if err := h.deployRepo.ClaimUnit(ctx, d.ID, d.UnitRef); err != nil {
		if !appErr.IsConflict(err) {
			log.Warn("claim unit for release failed", zap.Error(err))
		}
		return
	}
	if err := h.prov.Destroy(ctx, d.UnitRef); err != nil {
		// Restore the claim so the sweep retries once the substrate is back.
		log.Warn("destroy unit failed, leaving unit for sweep", zap.String("unit_ref", d.UnitRef), zap.Error(err))
		if rerr := h.deployRepo.SetUnit(ctx, d.ID, d.UnitRef, d.UnitEndpoint); rerr != nil {
			log.Warn("restore unit claim failed", zap.Error(rerr))
		}
		return
	}
	log.Info("execution unit released", zap.String("unit_ref", d.UnitRef))
	d.UnitRef = ""
	d.UnitEndpoint = ""
}
