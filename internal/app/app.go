package app

import (
	"context"
	"net/http"
	"time"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/fiscora/fiscora/internal/database"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// Application wires configuration, database, router, worker, and server lifecycle.
type Application struct {
	cfg    config.Application
	deps   *Dependencies
	router *mux.Router
	srv    *http.Server

	cancelWorker context.CancelFunc
}

// NewApplication constructs the full HTTP application, ready to Run().
func NewApplication() (*Application, error) {
	cfg, err := config.Load("./config/application.yaml")
	if err != nil {
		return nil, err
	}

	// DB + migrations
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	// db will be closed when server shuts down; defer not possible here, leave to process exit.
	if err := database.Migrate(db); err != nil {
		return nil, err
	}

	r := mux.NewRouter()

	// Build dependencies (services, handlers...)
	deps, err := BuildDependencies(db, cfg)
	if err != nil {
		return nil, err
	}

	// Middleware chain
	SetupMiddleware(r, deps, cfg)

	// Routes
	RegisterRoutes(r, deps, cfg)

	srv := &http.Server{
		Handler:      r,
		Addr:         ":8181",
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Application{cfg: cfg, deps: deps, router: r, srv: srv}, nil
}

// Run starts the background worker and the HTTP server, and blocks.
func (a *Application) Run() error {
	workerCtx, cancel := context.WithCancel(context.Background())
	a.cancelWorker = cancel
	a.deps.Worker.Start(workerCtx)

	log.Infof("Starting server on %s", a.srv.Addr)
	return a.srv.ListenAndServe()
}

// Shutdown stops the HTTP server and waits for in-flight background tasks.
func (a *Application) Shutdown(ctx context.Context) error {
	if a.cancelWorker != nil {
		a.cancelWorker()
	}
	a.deps.Worker.Wait()
	return a.srv.Shutdown(ctx)
}
