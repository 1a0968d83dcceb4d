package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/deploybay/engine/internal/api/handlers"
	mw "github.com/deploybay/engine/internal/api/middleware"
)

type Dependencies struct {
	ProjectsHandler    *handlers.ProjectsHandler
	DeploymentsHandler *handlers.DeploymentsHandler
	DomainsHandler     *handlers.DomainsHandler

	// Ready is probed by /readyz; typically a database ping.
	Ready func(ctx context.Context) error
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	hh := handlers.NewHealthHandler(dep.Ready)
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/projects", func(pr chi.Router) {
			pr.Get("/", dep.ProjectsHandler.List)
			pr.Post("/", dep.ProjectsHandler.Create)
			pr.Get("/{id}", dep.ProjectsHandler.Get)
			pr.Get("/{id}/deployments", dep.DeploymentsHandler.ListByProject)
			pr.Post("/{id}/deployments", dep.DeploymentsHandler.Submit)
			pr.Get("/{id}/domains", dep.DomainsHandler.ListByProject)
		})

		api.Route("/deployments", func(dr chi.Router) {
			dr.Get("/{id}", dep.DeploymentsHandler.Get)
			dr.Post("/{id}/cancel", dep.DeploymentsHandler.Cancel)
		})

		api.Route("/domains", func(dmr chi.Router) {
			dmr.Post("/", dep.DomainsHandler.Bind)
			dmr.Delete("/{hostname}", dep.DomainsHandler.Unbind)
		})
	})

	return r
}
