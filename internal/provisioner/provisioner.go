package provisioner

import (
	"context"
)

// Unit is the provisioned, isolated runtime instance for one deployment.
// The provisioner owns its lifecycle; the orchestrator holds only this handle.
type Unit struct {
	Ref      string `json:"ref"`
	Endpoint string `json:"endpoint"`
}

// CreateInput describes the unit to provision. IdempotencyKey is the
// deployment ID: redelivered jobs that call Create again receive the unit
// provisioned by the first call instead of a duplicate.
type CreateInput struct {
	ArtifactRef    string `json:"artifact_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Provisioner abstracts the compute substrate that hosts execution units.
// All three operations are safely retriable.
type Provisioner interface {
	// Create provisions a unit bound to the artifact.
	Create(ctx context.Context, input CreateInput) (*Unit, error)

	// ProbeReady issues a synthetic readiness probe against the unit.
	// A false return with nil error means "not ready yet, keep waiting".
	ProbeReady(ctx context.Context, unit *Unit) (bool, error)

	// Destroy tears the unit down. Destroying a unit that is already gone
	// succeeds (idempotent delete).
	Destroy(ctx context.Context, unitRef string) error
}
