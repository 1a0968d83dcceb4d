package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/deploybay/engine/internal/models"
	"github.com/deploybay/engine/internal/repository"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/deploybay/engine/pkg/logger"
)

// Sentinel resolution outcomes. Both are expected steady-state responses,
// not incidents.
var (
	ErrHostNotBound     = appErr.New(appErr.CodeNotFound, "hostname not bound")
	ErrNotDeployed      = appErr.New(appErr.CodeNotFound, "project has no active deployment")
	ErrRouteUnavailable = appErr.New(appErr.CodeUnavailable, "route temporarily unavailable")
)

// DomainSource is the read side of the domain manager.
type DomainSource interface {
	Resolve(ctx context.Context, hostname string, dest *models.DomainBinding) error
}

// RegistrySource is the read side of the tenant registry.
type RegistrySource interface {
	GetActive(ctx context.Context, projectID uuid.UUID, dest *models.Deployment) error
}

// DeploymentSource looks up pinned deployments for preview bindings.
type DeploymentSource interface {
	GetByID(ctx context.Context, id any, dest *models.Deployment) error
}

// Route is where a request should go.
type Route struct {
	ProjectID    uuid.UUID
	DeploymentID uuid.UUID
	Endpoint     string
}

type hostEntry struct {
	projectID uuid.UUID
	pinned    *uuid.UUID
}

// ResolverOptions tunes the two cache tiers. The host tier churns rarely and
// caches for minutes; the route tier must reflect activations quickly and
// caches for seconds.
type ResolverOptions struct {
	HostTTL        time.Duration
	RouteTTL       time.Duration
	MaxAge         time.Duration
	RefreshTimeout time.Duration
}

// Resolver maps Host headers to execution-unit routes through a two-tier
// cache. Stale entries are served while a refresh fails, up to a hard max
// age; an expired refresh failure surfaces as ErrRouteUnavailable.
type Resolver struct {
	domains     DomainSource
	registry    RegistrySource
	deployments DeploymentSource

	hosts  *ttlCache[hostEntry]
	routes *ttlCache[Route]

	sf             singleflight.Group
	refreshTimeout time.Duration
}

func NewResolver(domains DomainSource, registry RegistrySource, deployments DeploymentSource, opts ResolverOptions) *Resolver {
	if opts.HostTTL <= 0 {
		opts.HostTTL = 5 * time.Minute
	}
	if opts.RouteTTL <= 0 {
		opts.RouteTTL = 3 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 2 * time.Second
	}
	return &Resolver{
		domains:        domains,
		registry:       registry,
		deployments:    deployments,
		hosts:          newTTLCache[hostEntry](opts.HostTTL, opts.HostTTL*2),
		routes:         newTTLCache[Route](opts.RouteTTL, opts.MaxAge),
		refreshTimeout: opts.RefreshTimeout,
	}
}

// StartGC runs background eviction of both tiers until ctx ends.
func (r *Resolver) StartGC(ctx context.Context) {
	r.hosts.startGC(ctx, time.Minute)
	r.routes.startGC(ctx, 30*time.Second)
}

// InvalidateProject drops the cached route for a project. Wired to the
// activation announcements so a deploy goes live ahead of the TTL.
func (r *Resolver) InvalidateProject(projectID uuid.UUID) {
	r.routes.drop(projectID.String())
	logger.L().Debug("route cache invalidated", zap.String("project_id", projectID.String()))
}

// ResolveHost maps a normalized hostname to its binding.
func (r *Resolver) ResolveHost(ctx context.Context, host string) (hostEntry, error) {
	key := repository.NormalizeHostname(host)
	if key == "" {
		return hostEntry{}, ErrHostNotBound
	}

	if e, fresh, present := r.hosts.get(key); present {
		if fresh {
			return e, nil
		}
		refreshed, err := r.fetchHost(ctx, key)
		if err == nil {
			return refreshed, nil
		}
		if appErr.IsNotFound(err) {
			r.hosts.drop(key)
			return hostEntry{}, ErrHostNotBound
		}
		// Stale but servable.
		return e, nil
	}

	e, err := r.fetchHost(ctx, key)
	if err != nil {
		if appErr.IsNotFound(err) {
			return hostEntry{}, ErrHostNotBound
		}
		return hostEntry{}, ErrRouteUnavailable
	}
	return e, nil
}

func (r *Resolver) fetchHost(ctx context.Context, key string) (hostEntry, error) {
	v, err, _ := r.sf.Do("host:"+key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, r.refreshTimeout)
		defer cancel()
		var b models.DomainBinding
		if err := r.domains.Resolve(fetchCtx, key, &b); err != nil {
			return nil, err
		}
		e := hostEntry{projectID: b.ProjectID, pinned: b.DeploymentID}
		r.hosts.put(key, e)
		return e, nil
	})
	if err != nil {
		return hostEntry{}, err
	}
	return v.(hostEntry), nil
}

// ResolveRoute maps a host binding to the execution unit currently serving
// it. bypass skips the cache read entirely, used for the single post-failure
// retry so it always sees the freshest registry state.
func (r *Resolver) ResolveRoute(ctx context.Context, e hostEntry, bypass bool) (Route, error) {
	key := e.projectID.String()
	if e.pinned != nil {
		key = "pin:" + e.pinned.String()
	}

	if !bypass {
		if route, fresh, present := r.routes.get(key); present {
			if fresh {
				return route, nil
			}
			refreshed, err := r.fetchRoute(ctx, key, e)
			if err == nil {
				return refreshed, nil
			}
			if appErr.IsNotFound(err) {
				r.routes.drop(key)
				return Route{}, ErrNotDeployed
			}
			// Refresh failed but the stale entry is still inside the hard
			// max-age window: serve it.
			return route, nil
		}
	}

	route, err := r.fetchRoute(ctx, key, e)
	if err != nil {
		if appErr.IsNotFound(err) {
			return Route{}, ErrNotDeployed
		}
		return Route{}, ErrRouteUnavailable
	}
	return route, nil
}

func (r *Resolver) fetchRoute(ctx context.Context, key string, e hostEntry) (Route, error) {
	v, err, _ := r.sf.Do("route:"+key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, r.refreshTimeout)
		defer cancel()

		var d models.Deployment
		if e.pinned != nil {
			if err := r.deployments.GetByID(fetchCtx, *e.pinned, &d); err != nil {
				return nil, err
			}
			// A pin may target a superseded deployment on purpose, but never
			// a failed or cancelled one.
			if d.Status == models.StatusFailed || d.Status == models.StatusCancelled || d.UnitEndpoint == "" {
				return nil, appErr.New(appErr.CodeNotFound, "pinned deployment not servable")
			}
		} else {
			if err := r.registry.GetActive(fetchCtx, e.projectID, &d); err != nil {
				return nil, err
			}
			if d.UnitEndpoint == "" {
				return nil, appErr.New(appErr.CodeNotFound, "active deployment has no endpoint")
			}
		}

		route := Route{ProjectID: e.projectID, DeploymentID: d.ID, Endpoint: d.UnitEndpoint}
		r.routes.put(key, route)
		return route, nil
	})
	if err != nil {
		return Route{}, err
	}
	return v.(Route), nil
}
