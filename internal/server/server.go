package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/access"
	"github.com/stratumfs/stratumfs/internal/auth"
	"github.com/stratumfs/stratumfs/internal/config"
	"github.com/stratumfs/stratumfs/internal/datapath"
	"github.com/stratumfs/stratumfs/internal/gateway"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/lifecycle"
	"github.com/stratumfs/stratumfs/internal/metrics"
	"github.com/stratumfs/stratumfs/internal/multipart"
	"github.com/stratumfs/stratumfs/internal/notifications"
	"github.com/stratumfs/stratumfs/internal/object"
)

// Server assembles the whole stack: metadata index, data path, object
// and multipart layers, access evaluation, the S3 gateway and the
// lifecycle janitor.
type Server struct {
	cfg     *config.Config
	idx     *index.Store
	janitor *lifecycle.Janitor
	http    *http.Server
	log     *logrus.Entry
}

// New opens persistent state and wires every component. The returned
// server is ready for Run.
func New(cfg *config.Config) (*Server, error) {
	idx, err := index.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata index: %w", err)
	}

	data, err := datapath.New(cfg.ObjectsDir(), cfg.UploadsDir(), cfg.Storage.MinPartSize)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to open data path: %w", err)
	}

	// Orphaned temp files from writes interrupted by a crash.
	data.CleanupTemp()

	if err := idx.SeedAdmin(context.Background(), cfg.Auth.AdminAccessKey, cfg.Auth.AdminSecretKey); err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to seed admin user: %w", err)
	}

	objects := object.NewService(idx, data)
	uploads := multipart.NewCoordinator(idx, data)
	eval := access.NewEvaluator(idx, access.Options{
		TestBypassPrincipal:   cfg.Auth.TestBypassPrincipal,
		AnonymousAdminBuckets: cfg.Auth.AnonymousAdminBuckets,
	})
	authn := auth.NewIndexAuthenticator(idx)
	events := notifications.NewPublisher(idx)

	var reg *metrics.Registry
	if cfg.Metrics.Enable {
		reg = metrics.NewRegistry(cfg.Storage.DataDir)
	}

	gw := gateway.New(cfg, idx, objects, uploads, eval, authn, events, reg)
	janitor := lifecycle.NewJanitor(idx, objects, uploads, reg,
		cfg.Lifecycle.Interval, cfg.Lifecycle.MultipartAbortAfter)

	mux := http.NewServeMux()
	if reg != nil {
		mux.Handle(cfg.Metrics.Path, reg.Handler())
	}
	mux.Handle("/", gw.Router())

	return &Server{
		cfg:     cfg,
		idx:     idx,
		janitor: janitor,
		http: &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           handlers.ProxyHeaders(mux),
			ReadHeaderTimeout: 30 * time.Second,
		},
		log: logrus.WithField("component", "server"),
	}, nil
}

// Run starts the janitor and serves until the listener fails or Shutdown
// is called.
func (s *Server) Run() error {
	s.janitor.Start()
	s.log.WithFields(logrus.Fields{
		"addr":     s.cfg.ListenAddr(),
		"data_dir": s.cfg.Storage.DataDir,
	}).Info("StratumFS listening")

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, stops the janitor and closes the
// index.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down")

	err := s.http.Shutdown(ctx)
	s.janitor.Stop()
	if closeErr := s.idx.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
