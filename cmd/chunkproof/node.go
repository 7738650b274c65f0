package main

import (
	"context"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/challenge"
	"github.com/LICODX/chunkproof/pkg/chunkstore"
	"github.com/LICODX/chunkproof/pkg/config"
	"github.com/LICODX/chunkproof/pkg/ledger"
	"github.com/LICODX/chunkproof/pkg/logging"
	"github.com/LICODX/chunkproof/pkg/metrics"
	"github.com/LICODX/chunkproof/pkg/utils"
)

// node owns every long-lived component of a chunkproof process.
type node struct {
	cfg *config.Config
	log *logging.StructuredLogger
	db  *leveldb.DB
	pm  *metrics.PrometheusMetrics

	store         *chunkstore.Store
	contributions ledger.ContributionLedger
	local         *ledger.LevelLedger
	remote        *ledger.HTTPLedger
	feed          *ledger.OutcomeFeed
	registry      *challenge.Registry
	engine        *challenge.Engine
}

func openNode(ctx context.Context, cfg *config.Config, log *logging.StructuredLogger) (_ *node, err error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create data dir: %w", err)
	}
	db, err := leveldb.OpenFile(cfg.RegistryPath(), nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to open database %s: %w", cfg.RegistryPath(), err)
	}

	n := &node{cfg: cfg, log: log, db: db, pm: metrics.NewPrometheusMetrics()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close())
		}
	}()

	n.store, err = chunkstore.Open(chunkstore.Config{
		Root:            cfg.ChunkRoot(),
		CacheEntries:    cfg.Storage.CacheEntries,
		ScanWorkers:     cfg.Storage.ScanWorkers,
		ReconcileOnOpen: cfg.Storage.ReconcileOpen,
		Metrics:         metrics.NewStorageMetrics(n.pm),
	}, db, log.WithField("component", "chunkstore"))
	if err != nil {
		return nil, err
	}

	switch cfg.Ledger.Mode {
	case "http":
		n.remote, err = ledger.NewHTTPLedger(ledger.HTTPConfig{
			BaseURL:         cfg.Ledger.URL,
			Timeout:         cfg.Ledger.NotifyTimeout,
			Retries:         cfg.Ledger.NotifyRetries,
			BreakerFailures: cfg.Ledger.BreakerFailures,
			BreakerReset:    cfg.Ledger.BreakerReset,
		}, log.WithField("component", "ledger"))
		if err != nil {
			return nil, err
		}
		n.contributions = n.remote
	default:
		n.local = ledger.NewLevelLedger(db, log.WithField("component", "ledger"))
		n.contributions = n.local
		if cfg.Ledger.ManifestFile != "" {
			if err := n.seedClaims(ctx, cfg.Ledger.ManifestFile); err != nil {
				return nil, err
			}
		}
	}

	journal, err := ledger.OpenJournal(db)
	if err != nil {
		return nil, err
	}
	n.feed = ledger.NewOutcomeFeed(journal, log.WithField("component", "outcomes"))

	n.registry, err = challenge.OpenRegistry(db)
	if err != nil {
		return nil, err
	}
	n.engine = challenge.New(challenge.Config{
		TTL:                cfg.Challenge.TTL,
		MaxPendingPerAgent: cfg.Challenge.MaxPendingPerAgent,
		HistoryWindow:      cfg.Challenge.HistoryWindow,
		LeaderboardSize:    cfg.Challenge.LeaderboardSize,
		NotifyTimeout:      cfg.Ledger.NotifyTimeout,
		MaxBatch:           cfg.Challenge.MaxBatch,
	}, n.registry, n.store, n.contributions, n.feed, metrics.NewChallengeMetrics(n.pm), log.WithField("component", "challenge"))

	return n, nil
}

func (n *node) seedClaims(ctx context.Context, path string) error {
	manifest, err := ledger.LoadManifest(path)
	if err != nil {
		return err
	}
	added, err := ledger.ApplyManifest(ctx, n.local, manifest)
	if err != nil {
		return err
	}
	n.log.InfoWithFields("applied claims manifest", map[string]interface{}{
		"file":    path,
		"network": manifest.Network,
		"agents":  len(manifest.Agents),
		"added":   added,
	})
	return nil
}

// registerHealth wires the node's components into hm.
func (n *node) registerHealth(hm *utils.HealthMonitor) {
	hm.RegisterComponent("chunkstore", func(ctx context.Context) (utils.HealthStatus, string) {
		info, err := os.Stat(n.store.Root())
		if err != nil || !info.IsDir() {
			return utils.StatusUnhealthy, "chunk root is not accessible"
		}
		return utils.StatusHealthy, ""
	})
	hm.RegisterComponent("registry", func(ctx context.Context) (utils.HealthStatus, string) {
		if _, err := n.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
			return utils.StatusUnhealthy, err.Error()
		}
		return utils.StatusHealthy, ""
	})
	if n.remote != nil {
		hm.RegisterComponent("contribution-ledger", func(ctx context.Context) (utils.HealthStatus, string) {
			switch n.remote.BreakerState() {
			case utils.BreakerOpen:
				return utils.StatusDegraded, "circuit breaker open"
			case utils.BreakerHalfOpen:
				return utils.StatusDegraded, "circuit breaker probing"
			}
			return utils.StatusHealthy, ""
		})
	}
}

func (n *node) Close() error {
	var err error
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
	}
	if n.db != nil {
		err = multierr.Append(err, n.db.Close())
	}
	return err
}
