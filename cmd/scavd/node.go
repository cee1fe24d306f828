package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dray-io/scavd/internal/auth"
	"github.com/dray-io/scavd/internal/config"
	"github.com/dray-io/scavd/internal/logging"
	"github.com/dray-io/scavd/internal/metadata"
	"github.com/dray-io/scavd/internal/metadata/oxia"
	"github.com/dray-io/scavd/internal/metrics"
	"github.com/dray-io/scavd/internal/objectstore"
	"github.com/dray-io/scavd/internal/objectstore/s3"
	"github.com/dray-io/scavd/internal/scavenge"
	"github.com/dray-io/scavd/internal/scavenge/chunks"
	"github.com/dray-io/scavd/internal/scavenge/runlog"
	"github.com/dray-io/scavd/internal/scavenge/runlog/pgstore"
	"github.com/dray-io/scavd/internal/server"
)

// NodeOptions contains configuration for a scavd node.
type NodeOptions struct {
	Config *config.Config
	Logger *logging.Logger

	// ChunkStore replaces the S3 store built from Config.Chunks.
	ChunkStore objectstore.Store
	// Registry receives every metric. A fresh registry is used when nil.
	Registry *prometheus.Registry

	Version   string
	GitCommit string
	BuildTime string
}

// Node wires the coordinator to its stores and HTTP surface.
type Node struct {
	opts   NodeOptions
	cfg    *config.Config
	logger *logging.Logger

	registry *prometheus.Registry
	meta     metadata.MetadataStore
	runStore runlog.Store
	chunks   objectstore.Store
	manager  *runlog.Manager
	coord    *scavenge.Coordinator

	httpServer    *server.HealthServer
	metricsServer *metrics.Server
}

// NewNode opens the stores named by the configuration and builds an
// unstarted node.
func NewNode(ctx context.Context, opts NodeOptions) (_ *Node, err error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	cfg := opts.Config
	if cfg.Node.NodeID == "" {
		cfg.Node.NodeID = defaultNodeID()
	}
	logger = logger.With(map[string]any{"nodeId": cfg.Node.NodeID})

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	n := &Node{opts: opts, cfg: cfg, logger: logger, registry: reg}
	defer func() {
		if err != nil {
			n.closeStores()
		}
	}()

	storeMetrics := metrics.NewStoreMetricsWithRegistry(reg)
	scavMetrics := metrics.NewScavengeMetricsWithRegistry(reg)

	if err := n.openRunStore(ctx, storeMetrics); err != nil {
		return nil, err
	}
	if err := n.openChunkStore(ctx, storeMetrics); err != nil {
		return nil, err
	}

	n.manager = runlog.NewManager(n.runStore, cfg.Node.NodeID, logger)

	authz := auth.NewRoleAuthorizer(logger)
	n.coord, err = scavenge.NewCoordinator(scavenge.Config{
		Authorizer: authz,
		Factory: chunks.NewFactory(n.chunks, chunks.Config{
			Prefix:         cfg.Chunks.Prefix,
			DefaultThreads: cfg.Chunks.DefaultThreads,
			MaxThreads:     cfg.Chunks.MaxThreads,
		}, scavMetrics),
		Logs:    n.manager,
		Metrics: scavMetrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	creds, err := loadCredentials(cfg.Admin)
	if err != nil {
		return nil, err
	}
	if creds.Count() == 0 {
		logger.Warn("no admin users configured, every scavenge request will be rejected")
	}

	n.httpServer = server.NewHealthServer(cfg.Admin.ListenAddr, logger)
	n.httpServer.RegisterHandler("/admin/", server.NewAdminHandler(server.AdminConfig{
		Controller:    n.coord,
		History:       n.manager,
		Authenticator: creds,
		Authorizer:    authz,
		Logger:        logger,
	}).Handler())
	n.httpServer.RegisterReadinessCheck(server.NewFuncChecker("run_log", n.manager.Ping))
	n.httpServer.RegisterReadinessCheck(server.NewObjectStoreChecker(n.chunks, cfg.Chunks.Prefix))
	if n.meta != nil {
		n.httpServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(n.meta))
	}

	if cfg.Observability.MetricsAddr != "" {
		n.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, reg, logger)
	}
	return n, nil
}

func (n *Node) openRunStore(ctx context.Context, storeMetrics *metrics.StoreMetrics) error {
	rc := n.cfg.RunLog
	switch rc.Backend {
	case config.RunLogBackendMemory:
		n.meta = metadata.NewInstrumentedStore(metadata.NewMockStore(), storeMetrics.For(metrics.StoreRunLog))
		n.logger.Warn("using the in-memory run log, history is lost on restart")
	case config.RunLogBackendOxia:
		store, err := oxia.New(ctx, oxia.Config{ServiceAddress: rc.OxiaEndpoint, Namespace: rc.Namespace})
		if err != nil {
			return fmt.Errorf("open oxia run log: %w", err)
		}
		n.meta = metadata.NewInstrumentedStore(store, storeMetrics.For(metrics.StoreRunLog))
	case config.RunLogBackendPostgres:
		store, err := pgstore.Open(ctx, pgstore.Config{
			URL:             rc.PostgresURL,
			MaxOpenConns:    rc.MaxOpenConns,
			MaxIdleConns:    rc.MaxIdleConns,
			ConnMaxLifetime: rc.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open postgres run log: %w", err)
		}
		n.runStore = store
		return nil
	default:
		return fmt.Errorf("unknown run log backend %q", rc.Backend)
	}
	n.runStore = runlog.NewMetadataStore(n.meta)
	return nil
}

func (n *Node) openChunkStore(ctx context.Context, storeMetrics *metrics.StoreMetrics) error {
	store := n.opts.ChunkStore
	if store == nil {
		cc := n.cfg.Chunks
		s, err := s3.New(ctx, s3.Config{
			Bucket:          cc.Bucket,
			Region:          cc.Region,
			Endpoint:        cc.Endpoint,
			AccessKeyID:     cc.AccessKey,
			SecretAccessKey: cc.SecretKey,
			UsePathStyle:    cc.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("open chunk store: %w", err)
		}
		store = s
	}
	n.chunks = objectstore.NewInstrumentedStore(store, storeMetrics.For(metrics.StoreChunks))
	return nil
}

// Start serves HTTP and metrics and announces the configured node state.
func (n *Node) Start(ctx context.Context) error {
	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	if err := n.httpServer.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}

	state := scavenge.NodeState(n.cfg.Node.InitialState)
	if err := n.coord.HandleStateChange(ctx, scavenge.StateChange{State: state}); err != nil {
		return err
	}

	n.logger.Infof("scavd node started", map[string]any{
		"version":    n.opts.Version,
		"gitCommit":  n.opts.GitCommit,
		"buildTime":  n.opts.BuildTime,
		"adminAddr":  n.httpServer.Addr(),
		"state":      string(state),
		"runLog":     n.cfg.RunLog.Backend,
		"chunkStore": n.cfg.Chunks.Bucket,
	})
	return nil
}

// AdminAddr returns the bound admin/health address.
func (n *Node) AdminAddr() string {
	return n.httpServer.Addr()
}

// Shutdown stops the active run and the HTTP servers, then closes the stores.
// Pending stop requests are answered before the HTTP server finishes.
func (n *Node) Shutdown(ctx context.Context) error {
	n.httpServer.SetShuttingDown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.coord.Shutdown(gctx)
	})
	g.Go(func() error {
		return n.httpServer.Close(gctx)
	})
	err := g.Wait()

	if n.metricsServer != nil {
		err = multierr.Append(err, n.metricsServer.Close())
	}
	return multierr.Append(err, n.closeStores())
}

func (n *Node) closeStores() error {
	var err error
	if n.chunks != nil {
		err = multierr.Append(err, n.chunks.Close())
	}
	if n.runStore != nil {
		// Closing the run store closes the metadata store under it.
		err = multierr.Append(err, n.runStore.Close())
	} else if n.meta != nil {
		err = multierr.Append(err, n.meta.Close())
	}
	return err
}

func loadCredentials(cfg config.AdminConfig) (*auth.CredentialStore, error) {
	creds := auth.NewCredentialStore()
	if cfg.UsersFile != "" {
		if err := creds.LoadFromFile(cfg.UsersFile); err != nil {
			return nil, fmt.Errorf("load admin users: %w", err)
		}
	}
	if cfg.Users != "" {
		if err := creds.LoadFromString(cfg.Users); err != nil {
			return nil, fmt.Errorf("parse admin users: %w", err)
		}
	}
	return creds, nil
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
