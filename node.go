package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"blockcast/config"
	"blockcast/discovery"
	"blockcast/logging"
	"blockcast/network"
	"blockcast/sink"
	"blockcast/storage"
	"blockcast/transfer"
)

const (
	recentObjects = 64
	// tombstoneRetention is how long evicted keys stay refused after a restart.
	tombstoneRetention = 7 * 24 * time.Hour
)

// node is one running blockcast peer.
type node struct {
	cfg     *config.NodeConfig
	dataDir string
	logger  zerolog.Logger

	store      *storage.Store
	registry   *prometheus.Registry
	mesh       *network.Mesh
	dispatcher *transfer.Dispatcher
	trailBoss  *transfer.TrailBoss
	values     *sink.ValueFinisher
}

// openNode wires config, logging, storage, mesh and the transfer engine.
// extra receives transfer events next to the ledger and the log.
func openNode(extra transfer.EventSink) (*node, error) {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New("blockcast", logging.ConfigFrom(logging.ProfileRuntime, cfg.LogLevel, cfg.LogFormat)).
		With().Str("peer", cfg.PeerID).Logger()

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info().
		Str("name", cfg.PeerName).
		Str("config", cfgPath).
		Str("database", dbPath).
		Str("downloads", cfg.DownloadDir).
		Msg("node configured")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := transfer.NewMetrics(registry)

	mesh, err := network.NewMesh(network.MeshOptions{
		Identity: network.LocalIdentity{
			PeerID:   cfg.PeerID,
			PeerName: cfg.PeerName,
		},
		Store:         store,
		Logger:        logger,
		ListenAddress: cfg.ListenAddress(),
		Peers:         cfg.Peers,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	values, err := sink.NewValueFinisher(decodeObject, recentObjects)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ledger := sink.NewLedger(store, logger)
	sinks := sink.Multi{ledger, sink.NewLog(logger)}
	if extra != nil {
		sinks = append(sinks, extra)
	}

	dispatcher, err := transfer.NewDispatcher(transfer.Options{
		Config: transferConfig(cfg.Transfer),
		Mesh:   mesh,
		Sink:   sinks,
		Finishers: map[transfer.PayloadKind]transfer.Finisher{
			transfer.KindFile:   sink.NewFileFinisher(afero.NewOsFs(), cfg.DownloadDir),
			transfer.KindObject: values,
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if keys, err := ledger.EvictedKeys(time.Now(), tombstoneRetention); err != nil {
		logger.Warn().Err(err).Msg("restore evicted keys")
	} else {
		dispatcher.Tombstone(keys...)
		logger.Debug().Int("keys", len(keys)).Msg("restored evicted keys")
	}
	trailBoss := transfer.NewTrailBoss(dispatcher, transfer.TrailBossOptions{
		Logger:  logger,
		OnEvict: ledger.TransferEvicted,
	})

	return &node{
		cfg:        cfg,
		dataDir:    dataDir,
		logger:     logger,
		store:      store,
		registry:   registry,
		mesh:       mesh,
		dispatcher: dispatcher,
		trailBoss:  trailBoss,
		values:     values,
	}, nil
}

// run serves the mesh until ctx is done.
func (n *node) run(ctx context.Context) error {
	if err := n.mesh.Start(ctx, n.dispatcher.HandleMessage); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	defer n.mesh.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.trailBoss.Run(gctx)
	})

	if !n.cfg.DisableDiscovery {
		svc, err := discovery.Start(discovery.Config{
			SelfPeerID:    n.cfg.PeerID,
			PeerName:      n.cfg.PeerName,
			ListeningPort: listenPort(n.mesh.Addr()),
			Version:       network.ProtocolVersion,
		})
		if err != nil {
			n.logger.Warn().Err(err).Msg("discovery unavailable")
		} else {
			defer svc.Stop()
			g.Go(func() error {
				svc.Relay(gctx, n.mesh, n.logger)
				return nil
			})
		}
	}

	if n.cfg.MetricsListen != "" {
		server := &http.Server{
			Addr:              n.cfg.MetricsListen,
			Handler:           metricsHandler(n.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			n.logger.Info().Str("addr", server.Addr).Msg("serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *node) close() {
	if err := n.store.Close(); err != nil {
		n.logger.Error().Err(err).Msg("close database")
	}
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func transferConfig(c config.TransferConfig) transfer.Config {
	return transfer.Config{
		BlockSize:         c.BlockSize,
		TickInterval:      time.Duration(c.TickIntervalMs) * time.Millisecond,
		RequestInterval:   time.Duration(c.RequestIntervalMs) * time.Millisecond,
		MinWaitFloor:      time.Duration(c.MinWaitFloorMs) * time.Millisecond,
		MinWaitIncrement:  time.Duration(c.MinWaitIncrementMs) * time.Millisecond,
		Lifetime:          time.Duration(c.LifetimeSeconds) * time.Second,
		MaxPayloadSize:    c.MaxPayloadSizeBytes,
		MaxResendsPerTick: c.MaxResendsPerTick,
		ServeBlockZero:    c.ServeBlockZero,
	}
}

// decodeObject turns an object payload into a generic JSON value.
func decodeObject(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return v, nil
}

func listenPort(addr net.Addr) int {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}
