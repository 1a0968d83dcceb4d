package tasks

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/deploybay/engine/internal/provisioner"
	"github.com/deploybay/engine/internal/repository"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/deploybay/engine/pkg/logger"
)

// SweepTaskHandler reclaims execution units of retired deployments once their
// grace period has elapsed. It runs on a timer, never in the activation path,
// and tolerates concurrent sweeps: the unit claim is a conditional update, so
// each unit is destroyed exactly once.
type SweepTaskHandler struct {
	prov        provisioner.Provisioner
	deployRepo  repository.DeploymentRepository
	gracePeriod time.Duration
}

func NewSweepTaskHandler(prov provisioner.Provisioner, deployRepo repository.DeploymentRepository, gracePeriod time.Duration) *SweepTaskHandler {
	if gracePeriod <= 0 {
		gracePeriod = 2 * time.Minute
	}
	return &SweepTaskHandler{prov: prov, deployRepo: deployRepo, gracePeriod: gracePeriod}
}

func (h *SweepTaskHandler) HandleSweep(ctx context.Context, t *asynq.Task) error {
	cutoff := time.Now().UTC().Add(-h.gracePeriod)
	candidates, err := h.deployRepo.ListReclaimable(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	logger.L().Info("teardown sweep", zap.Int("candidates", len(candidates)))
	for _, d := range candidates {
		log := logger.L().With(
			zap.String("deployment_id", d.ID.String()),
			zap.String("unit_ref", d.UnitRef),
		)
		if err := h.deployRepo.ClaimUnit(ctx, d.ID, d.UnitRef); err != nil {
			if appErr.IsConflict(err) {
				// Another sweep got there first.
				continue
			}
			log.Warn("claim unit failed", zap.Error(err))
			continue
		}
		if err := h.prov.Destroy(ctx, d.UnitRef); err != nil {
			// Restore the claim so the next sweep retries this unit.
			log.Warn("destroy unit failed, restoring for next sweep", zap.Error(err))
			if rerr := h.deployRepo.SetUnit(ctx, d.ID, d.UnitRef, d.UnitEndpoint); rerr != nil {
				log.Warn("restore unit claim failed", zap.Error(rerr))
			}
			continue
		}
		log.Info("execution unit reclaimed")
	}
	return nil
}
