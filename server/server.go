// Package server runs an election participant as a daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nickbruun/election/config"
	"github.com/nickbruun/election/distributed/coordination"
	"github.com/nickbruun/election/distributed/coordination/etcd"
	"github.com/nickbruun/election/distributed/coordination/memory"
	"github.com/nickbruun/election/distributed/coordination/zookeeper"
	"github.com/nickbruun/election/distributed/leadership"
	log "github.com/nickbruun/election/logging"
	"github.com/nickbruun/election/runner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Coordination service backend.
type Backend interface {
	coordination.Service
	coordination.Namespaces
	Close()
}

type Server struct {
	config *config.Config

	// Connects the configured backend.
	dial func(ctx context.Context) (Backend, error)

	metricsServer *http.Server
}

func NewServer(config *config.Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}

	s := &Server{config: config}
	s.dial = s.connect

	return s, nil
}

// Run the participant until SIGINT, SIGTERM, the context is done or the
// participant leaves the election.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	election := s.config.Election

	p := leadership.NewParticipant(backend, leadership.Config{
		Namespace:      election.Namespace,
		Prefix:         election.Prefix,
		NodeID:         s.config.NodeID,
		RejoinOnExpiry: election.RejoinOnExpiry,
	})

	p.OnLeadershipChange(func(isLeader bool) {
		if isLeader {
			log.WithField("node_id", s.config.NodeID).Info("Acquired leadership")
		} else {
			log.WithField("node_id", s.config.NodeID).Info("Lost leadership")
		}
	})

	r := runner.New(p, backend, runner.Config{
		Namespace:       election.Namespace,
		NodeID:          s.config.NodeID,
		CreateNamespace: election.CreateNamespace,
		AwaitNamespace:  election.AwaitNamespace,
		InitialInterval: s.config.Retry.InitialInterval,
		MaxInterval:     s.config.Retry.MaxInterval,
		MaxElapsedTime:  s.config.Retry.MaxElapsedTime,
	})

	g, gctx := errgroup.WithContext(ctx)

	if s.config.MetricsAddr != "" {
		s.metricsServer = &http.Server{
			Addr:              s.config.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 15 * time.Second,
		}

		g.Go(func() error {
			log.WithField("addr", s.config.MetricsAddr).Info("Starting metrics server")

			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			return s.stop()
		})
	}

	g.Go(func() error {
		return r.Run(gctx)
	})

	return g.Wait()
}

func (s *Server) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	log.Info("Starting graceful shutdown...")

	if err := s.metricsServer.Shutdown(ctx); err != nil {
		log.Errorf("Failed to shutdown metrics server: %v", err)
	}

	return nil
}

// Connect the configured backend.
func (s *Server) connect(ctx context.Context) (Backend, error) {
	switch s.config.Backend {
	case config.BackendZooKeeper:
		zc := s.config.ZooKeeper

		ctx, cancel := context.WithTimeout(ctx, zc.SessionTimeout*10)
		defer cancel()

		svc, err := zookeeper.Dial(ctx, zookeeper.Config{
			Servers:        zc.Servers,
			SessionTimeout: zc.SessionTimeout,
			Protected:      zc.Protected,
		})
		if err != nil {
			return nil, err
		}

		return svc, nil

	case config.BackendEtcd:
		ec := s.config.Etcd

		svc, err := etcd.Dial(etcd.Config{
			Endpoints:      ec.Endpoints,
			DialTimeout:    ec.DialTimeout,
			SessionTTL:     ec.SessionTTL,
			RequestTimeout: ec.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}

		return svc, nil

	case config.BackendMemory:
		log.Warn("Using the in-memory backend; the election is local to this process")

		cluster := memory.NewCluster()
		cluster.CreateNamespace(s.config.Election.Namespace)

		return memoryBackend{cluster.Connect()}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", s.config.Backend)
	}
}

type memoryBackend struct {
	*memory.Client
}

func (b memoryBackend) Close() {
	_ = b.Client.Close()
}
