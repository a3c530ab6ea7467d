package cli

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conveyor-ci/conveyor/internal/artifact"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/db"
	"github.com/conveyor-ci/conveyor/internal/executor"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/orchestrator"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/conveyor-ci/conveyor/internal/scheduler"
	"github.com/conveyor-ci/conveyor/internal/web"
)

// engine bundles the wired-up components behind the run and serve commands.
type engine struct {
	cfg       *config.Config
	orch      *orchestrator.Orchestrator
	artifacts *artifact.Store
	sched     *scheduler.Scheduler
	database  *db.DB
	registry  *prometheus.Registry
}

func (e *engine) Close() error {
	return e.database.Close()
}

// buildEngine assembles the full stack: config, stores, event log, scheduler
// and orchestrator. Peers are project=url pairs for cross-pipeline polling.
func buildEngine(workers int, peers []string) (*engine, error) {
	cfg, err := materialize()
	if err != nil {
		return nil, err
	}

	dbPath, err := db.DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store, err := pipeline.DefaultStore()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open run store: %w", err)
	}

	artifacts := artifact.NewStore()
	sched := scheduler.New(executor.NewLocal(""), artifacts, workers)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	sched.SetMetrics(m)
	artifacts.SetExpireHook(func(removed int) {
		m.ArtifactsExpired.Add(float64(removed))
	})

	if len(peers) > 0 {
		endpoints, err := parsePeers(peers)
		if err != nil {
			database.Close()
			return nil, err
		}
		sched.SetPoller(web.NewPollClient(endpoints))
	}

	return &engine{
		cfg:       cfg,
		orch:      orchestrator.New(cfg, store, database, sched, artifacts),
		artifacts: artifacts,
		sched:     sched,
		database:  database,
		registry:  registry,
	}, nil
}

func parsePeers(peers []string) (map[string]string, error) {
	endpoints := make(map[string]string, len(peers))
	for _, p := range peers {
		name, url, ok := strings.Cut(p, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid peer %q: want project=url", p)
		}
		endpoints[name] = url
	}
	return endpoints, nil
}
