package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/deploybay/engine/internal/models"
	"github.com/deploybay/engine/internal/provisioner"
	"github.com/deploybay/engine/internal/repository"
	appErr "github.com/deploybay/engine/pkg/errors"
)

// memStore is an in-memory stand-in for the transactional store. The mutex
// plays the role of the database's serialization, which is what makes the
// compare-and-swap race tests meaningful.
type memStore struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]*models.Project
	deployments map[uuid.UUID]*models.Deployment

	// beforeActivate runs inside Activate before the CAS, letting tests
	// interleave a competing activation.
	beforeActivate func()
}

func newMemStore() *memStore {
	return &memStore{
		projects:    map[uuid.UUID]*models.Project{},
		deployments: map[uuid.UUID]*models.Deployment{},
	}
}

func (s *memStore) addProject(p *models.Project) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.projects[p.ID] = p
}

func (s *memStore) addDeployment(d *models.Deployment) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.deployments[d.ID] = d
}

func (s *memStore) deployment(id uuid.UUID) models.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deployments[id]
}

func (s *memStore) project(id uuid.UUID) models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.projects[id]
}

// memDeploymentRepo implements repository.DeploymentRepository over memStore.
type memDeploymentRepo struct {
	s *memStore
}

var _ repository.DeploymentRepository = (*memDeploymentRepo)(nil)

func (r *memDeploymentRepo) Create(ctx context.Context, d *models.Deployment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.addDeployment(d)
	return nil
}

func (r *memDeploymentRepo) GetByID(ctx context.Context, id any, dest *models.Deployment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "entity not found")
	}
	*dest = *d
	return nil
}

func (r *memDeploymentRepo) Update(ctx context.Context, d *models.Deployment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *d
	r.s.deployments[d.ID] = &cp
	return nil
}

func (r *memDeploymentRepo) Delete(ctx context.Context, id any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.deployments, id.(uuid.UUID))
	return nil
}

func (r *memDeploymentRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Deployment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Deployment
	for _, d := range r.s.deployments {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *memDeploymentRepo) Transition(ctx context.Context, id uuid.UUID, from, to models.DeploymentStatus) error {
	if !from.CanTransition(to) {
		return appErr.New(appErr.CodeInvalid, "illegal status transition")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[id]
	if !ok || d.Status != from {
		return appErr.New(appErr.CodeConflict, "deployment not in expected status")
	}
	d.Status = to
	return nil
}

func (r *memDeploymentRepo) SetUnit(ctx context.Context, id uuid.UUID, unitRef, unitEndpoint string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	d.UnitRef = unitRef
	d.UnitEndpoint = unitEndpoint
	return nil
}

func (r *memDeploymentRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[id]
	if !ok || d.Status.Terminal() {
		return appErr.New(appErr.CodeConflict, "deployment already terminal")
	}
	now := time.Now().UTC()
	d.Status = models.StatusFailed
	d.FailureReason = reason
	d.RetiredAt = &now
	return nil
}

func (r *memDeploymentRepo) MarkCancelled(ctx context.Context, id uuid.UUID, from models.DeploymentStatus) error {
	if !from.CanTransition(models.StatusCancelled) {
		return appErr.New(appErr.CodeInvalid, "deployment not cancellable from status")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[id]
	if !ok || d.Status != from {
		return appErr.New(appErr.CodeConflict, "deployment not in expected status")
	}
	now := time.Now().UTC()
	d.Status = models.StatusCancelled
	d.RetiredAt = &now
	return nil
}

func (r *memDeploymentRepo) ClaimForProvisioning(ctx context.Context, deploymentID, projectID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[deploymentID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	if d.Status != models.StatusPending {
		return appErr.New(appErr.CodeConflict, "deployment not in expected status")
	}
	for _, other := range r.s.deployments {
		if other.ProjectID == projectID && other.ID != deploymentID && other.InFlight() {
			return appErr.New(appErr.CodeUnavailable, "project has an in-flight deployment")
		}
	}
	d.Status = models.StatusProvisioning
	return nil
}

func (r *memDeploymentRepo) ListReclaimable(ctx context.Context, olderThan time.Time) ([]models.Deployment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Deployment
	for _, d := range r.s.deployments {
		if d.Status.Terminal() && d.UnitRef != "" && d.RetiredAt != nil && d.RetiredAt.Before(olderThan) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *memDeploymentRepo) ClaimUnit(ctx context.Context, id uuid.UUID, unitRef string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[id]
	if !ok || d.UnitRef != unitRef {
		return appErr.New(appErr.CodeConflict, "unit already claimed")
	}
	d.UnitRef = ""
	d.UnitEndpoint = ""
	return nil
}

// memRegistry implements repository.RegistryRepository over memStore.
type memRegistry struct {
	s *memStore
}

var _ repository.RegistryRepository = (*memRegistry)(nil)

func (r *memRegistry) GetActive(ctx context.Context, projectID uuid.UUID, dest *models.Deployment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[projectID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "project not found")
	}
	if p.ActiveDeploymentID == nil {
		return appErr.New(appErr.CodeNotFound, "no active deployment")
	}
	d, ok := r.s.deployments[*p.ActiveDeploymentID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "active deployment missing")
	}
	*dest = *d
	return nil
}

func (r *memRegistry) CompareAndSetActive(ctx context.Context, projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.casLocked(projectID, expectedPrior, next)
}

func (r *memRegistry) casLocked(projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error {
	p, ok := r.s.projects[projectID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "project not found")
	}
	switch {
	case expectedPrior == nil && p.ActiveDeploymentID == nil:
	case expectedPrior != nil && p.ActiveDeploymentID != nil && *expectedPrior == *p.ActiveDeploymentID:
	default:
		return appErr.New(appErr.CodeConflict, "active deployment changed concurrently")
	}
	id := next
	p.ActiveDeploymentID = &id
	return nil
}

func (r *memRegistry) Activate(ctx context.Context, projectID uuid.UUID, expectedPrior *uuid.UUID, next uuid.UUID) error {
	if r.s.beforeActivate != nil {
		r.s.beforeActivate()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.casLocked(projectID, expectedPrior, next); err != nil {
		return err
	}
	now := time.Now().UTC()
	d, ok := r.s.deployments[next]
	if !ok || d.Status != models.StatusActivating {
		return appErr.New(appErr.CodeConflict, "deployment left activating state")
	}
	d.Status = models.StatusActive
	d.ActivatedAt = &now
	if expectedPrior != nil {
		if prior, ok := r.s.deployments[*expectedPrior]; ok && prior.Status == models.StatusActive {
			prior.Status = models.StatusSuperseded
			prior.RetiredAt = &now
		}
	}
	return nil
}

// recordingPublisher captures activation announcements.
type recordingPublisher struct {
	mu       sync.Mutex
	projects []uuid.UUID
}

func (p *recordingPublisher) PublishActivation(ctx context.Context, projectID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projects = append(p.projects, projectID)
	return nil
}

func (p *recordingPublisher) published() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.projects...)
}

// mockProvisioner is a testify mock of the provisioner capability interface.
type mockProvisioner struct {
	mock.Mock
}

var _ provisioner.Provisioner = (*mockProvisioner)(nil)

func (m *mockProvisioner) Create(ctx context.Context, input provisioner.CreateInput) (*provisioner.Unit, error) {
	args := m.Called(ctx, input)
	if v := args.Get(0); v != nil {
		return v.(*provisioner.Unit), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvisioner) ProbeReady(ctx context.Context, unit *provisioner.Unit) (bool, error) {
	args := m.Called(ctx, unit)
	return args.Bool(0), args.Error(1)
}

func (m *mockProvisioner) Destroy(ctx context.Context, unitRef string) error {
	args := m.Called(ctx, unitRef)
	return args.Error(0)
}
