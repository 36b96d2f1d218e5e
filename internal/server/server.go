// Copyright Contributors to the Nublado project

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/fileserver"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/image"
	"github.com/lsst-sqre/nublado-controller/internal/lab"
	"github.com/lsst-sqre/nublado-controller/internal/server/handlers"
	authmiddleware "github.com/lsst-sqre/nublado-controller/internal/server/middleware"
)

var log = ctrl.Log.WithName("server")

// Server is the controller's HTTP surface: the spawner API consumed by
// JupyterHub, the file-server routes, and health probes.
type Server struct {
	cfg          *config.Config
	httpServer   *http.Server
	labs         *lab.Manager
	images       *image.Service
	files        *fileserver.Manager
	gf           *gafaelfawr.Client
	serviceToken string
}

// New assembles the server around already-constructed services.
func New(
	cfg *config.Config,
	labs *lab.Manager,
	images *image.Service,
	files *fileserver.Manager,
	gf *gafaelfawr.Client,
) *Server {
	s := &Server{cfg: cfg, labs: labs, images: images, files: files, gf: gf}
	if cfg.Gafaelfawr.TokenPath != "" {
		raw, err := os.ReadFile(cfg.Gafaelfawr.TokenPath)
		if err != nil {
			log.Error(err, "cannot read service token", "path", cfg.Gafaelfawr.TokenPath)
		} else {
			s.serviceToken = strings.TrimSpace(string(raw))
		}
	}
	return s
}

// Handler returns the assembled router without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	router := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", s.healthHandler)
	r.Get("/ready", s.readyHandler)

	labHandler := handlers.NewLabHandler(s.labs)
	imageHandler := handlers.NewImageHandler(s.images)
	formHandler := handlers.NewFormHandler(&s.cfg.Lab, s.images)
	fsHandler := handlers.NewFileserverHandler(s.files)

	// Admin routes accept the controller's own service token in place of a
	// delegated user token.
	auth := authmiddleware.Auth(s.gf)
	admin := authmiddleware.Admin(s.serviceToken, s.gf)

	r.Route("/spawner/v1", func(r chi.Router) {
		r.With(admin).Get("/labs", labHandler.List)
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Get("/labs/{username}", labHandler.Get)
			r.Post("/labs/{username}/create", labHandler.Create)
			r.Delete("/labs/{username}", labHandler.Delete)
			r.Get("/labs/{username}/events", labHandler.Events)
			r.Get("/user-status", labHandler.UserStatus)
			r.Get("/images", imageHandler.List)
			r.Get("/prepulls", imageHandler.Prepulls)
			r.Get("/lab-form/{username}", formHandler.Get)
		})
	})

	r.Route("/fileserver/v1", func(r chi.Router) {
		r.With(auth).Get("/user-status", fsHandler.UserStatus)
		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Get("/users", fsHandler.List)
			r.Get("/users/{username}", fsHandler.Get)
			r.Delete("/users/{username}", fsHandler.Delete)
		})
	})

	r.With(auth).Get("/files", fsHandler.Files)

	return r
}

// healthHandler returns 200 if the server is healthy
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyHandler returns 200 once the image catalog has refreshed at least
// once, which is what the warm-up guarantees before Run is called.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
