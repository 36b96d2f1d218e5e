// Copyright Contributors to the Nublado project

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/fileserver"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/image"
	"github.com/lsst-sqre/nublado-controller/internal/kubeclient"
	"github.com/lsst-sqre/nublado-controller/internal/lab"
	"github.com/lsst-sqre/nublado-controller/internal/metadata"
	"github.com/lsst-sqre/nublado-controller/internal/prepuller"
	"github.com/lsst-sqre/nublado-controller/internal/server"
	"github.com/lsst-sqre/nublado-controller/internal/supervisor"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lab controller",
	Long: `Start the lab controller: the spawner HTTP API, the image refresh
and prepull loops, and the lab and file-server reconcilers.

Example:
  nublado-controller serve --config /etc/nublado/config.yaml`,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveDevLog     bool
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "/etc/nublado/config.yaml",
		"Path to the controller configuration file")
	serveCmd.Flags().BoolVar(&serveDevLog, "dev-logging", false,
		"Use human-readable development logging instead of JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctrl.SetLogger(zap.New(zap.UseDevMode(serveDevLog)))
	log := ctrl.Log.WithName("controller")

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	log.Info("Starting Nublado controller", "name", cfg.Name, "config", serveConfigPath)

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create dynamic client: %w", err)
	}

	meta := metadata.Load(cfg.MetadataPath, log.WithName("metadata"))
	alerts := alert.New(cfg.Slack.WebhookURL, log.WithName("alert"))
	gf := gafaelfawr.New(cfg.Gafaelfawr.BaseURL)
	clients := kubeclient.NewClients(clientset)

	var source image.Source
	switch cfg.Images.Source {
	case "google":
		source, err = image.NewGARSource(cfg.Images.Registry, cfg.Images.Repository,
			log.WithName("gar"))
	default:
		source, err = image.NewDockerSource(cfg.Images.Registry, cfg.Images.Repository,
			cfg.Images.CredentialsPath, log.WithName("docker"))
	}
	if err != nil {
		return fmt.Errorf("failed to create image source: %w", err)
	}

	images := image.NewService(&cfg.Images, source, clientset, log.WithName("images"))
	labs := lab.NewManager(cfg, clients, images, alerts, meta, log.WithName("labs"))
	files, err := fileserver.NewManager(cfg, clients, dyn, alerts, log.WithName("fileservers"))
	if err != nil {
		return err
	}
	pre := prepuller.New(images, clients.Pod, meta, alerts, log.WithName("prepuller"))
	sup := supervisor.New(cfg, images, pre, labs, files, alerts, log.WithName("supervisor"))
	srv := server.New(cfg, labs, images, files, gf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Requests are not served until the catalog and the lab map reflect
	// the cluster.
	if err := sup.WarmUp(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sup.Run(ctx) })
	group.Go(func() error { return srv.Run(ctx) })
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Error(err, "Controller failed")
		return err
	}
	return nil
}
