// Copyright Contributors to the Nublado project

// Package supervisor owns the controller's background work: the image
// refresh loop, the prepuller, the lab and file-server reconcilers, and the
// reapers. Everything runs under one errgroup so a fatal failure or a
// shutdown signal stops the whole set together.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/fileserver"
	"github.com/lsst-sqre/nublado-controller/internal/image"
	"github.com/lsst-sqre/nublado-controller/internal/lab"
	"github.com/lsst-sqre/nublado-controller/internal/prepuller"
)

// reapInterval drives the lab reaper; precision does not matter, the
// retention window does.
const reapInterval = time.Minute

// Supervisor coordinates the background tasks around the request-serving
// surface.
type Supervisor struct {
	cfg         *config.Config
	images      *image.Service
	prepuller   *prepuller.Prepuller
	labs        *lab.Manager
	fileservers *fileserver.Manager
	alerts      *alert.Sink
	log         logr.Logger
}

func New(
	cfg *config.Config,
	images *image.Service,
	pre *prepuller.Prepuller,
	labs *lab.Manager,
	fileservers *fileserver.Manager,
	alerts *alert.Sink,
	log logr.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		images:      images,
		prepuller:   pre,
		labs:        labs,
		fileservers: fileservers,
		alerts:      alerts,
		log:         log,
	}
}

// WarmUp performs the initial refresh and reconciliation in the foreground,
// so the controller never serves requests from an empty image catalog or a
// lab map that disagrees with the cluster.
func (s *Supervisor) WarmUp(ctx context.Context) error {
	if err := s.images.Refresh(ctx); err != nil {
		return fmt.Errorf("initial image refresh: %w", err)
	}
	if err := s.labs.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial lab reconciliation: %w", err)
	}
	if err := s.fileservers.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial file server reconciliation: %w", err)
	}
	return nil
}

// Run starts every background loop and blocks until ctx is canceled or one
// of them fails unrecoverably.
func (s *Supervisor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.loop(ctx, "image refresh", s.cfg.Images.RefreshInterval.Duration, s.images.Refresh)
	})
	group.Go(func() error {
		return s.prepuller.Run(ctx)
	})
	group.Go(func() error {
		return s.loop(ctx, "lab reconciliation", s.cfg.Lab.ReconcileInterval.Duration, s.labs.Reconcile)
	})
	group.Go(func() error {
		return s.loop(ctx, "lab reaper", reapInterval, func(context.Context) error {
			s.labs.Reap()
			return nil
		})
	})
	if s.fileservers.Enabled() {
		group.Go(func() error {
			return s.fileservers.Watch(ctx)
		})
		group.Go(func() error {
			return s.loop(ctx, "file server reconciliation",
				s.cfg.Fileserver.ReconcileInterval.Duration, s.fileservers.Reconcile)
		})
	}
	return group.Wait()
}

// loop runs fn every interval until ctx is canceled. Errors and panics are
// logged and alerted but never stop the loop; an iteration that overran its
// interval is flagged, since it means the next run is already late.
func (s *Supervisor) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		start := time.Now()
		s.runOnce(ctx, name, fn)
		if elapsed := time.Since(start); elapsed > interval {
			s.log.Info("background loop iteration overran its interval",
				"loop", name, "elapsed", elapsed.String(), "interval", interval.String())
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s loop: %v", name, r)
			s.log.Error(err, "background loop panicked", "loop", name)
			s.alerts.Error(ctx, err, "Background loop panicked: "+name)
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.log.Error(err, "background loop iteration failed", "loop", name)
		s.alerts.Error(ctx, err, "Background loop failed: "+name)
	}
}
