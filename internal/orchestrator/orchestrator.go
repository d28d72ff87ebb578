// Package orchestrator assembles the subsystems into one process and
// maps webhooks, poller events, and operator commands onto them. One
// Orchestrator value exists per process; the HTTP layer and the CLI
// talk to it rather than to the subsystems directly.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/gitops"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/metrics"
	"github.com/swarmops/swarmops/internal/phasecol"
	"github.com/swarmops/swarmops/internal/pipeline"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/queue"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/resolver"
	"github.com/swarmops/swarmops/internal/retry"
	"github.com/swarmops/swarmops/internal/review"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/skills"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/watcher"
)

// Gateway spawns sessions on the external session gateway.
type Gateway interface {
	Spawn(ctx context.Context, req gateway.SpawnRequest) (*gateway.SpawnResponse, error)
}

// Options override default collaborators, mainly for tests.
type Options struct {
	Gateway Gateway
	Git     gitops.CommandRunner
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Orchestrator owns every subsystem and routes events between them.
type Orchestrator struct {
	cfg    *config.Config
	paths  config.Paths
	logger *slog.Logger

	store       *store.Store
	projects    *project.Manager
	runs        *runstate.Manager
	registry    *registry.Registry
	retries     *retry.Controller
	ledger      *ledger.Ledger
	feed        *events.Feed
	roles       *roles.Store
	escalations *escalation.Manager
	pipelines   *pipeline.Store
	queue       *queue.Queue
	repos       *gitops.Manager
	collector   *phasecol.Collector
	resolver    *resolver.Manager
	dispatch    *dispatch.Dispatcher
	review      *review.Service
	advancer    *watcher.Advancer
	watcher     *watcher.Watcher
	metrics     *metrics.Metrics

	// collecting guards the collect-merge-review flow per (run, phase):
	// the worker webhook and the dispatcher's phase-complete hook can
	// both decide a phase is done.
	mu         sync.Mutex
	collecting map[string]bool
}

// New builds the full subsystem graph from one config.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gw := opts.Gateway
	if gw == nil {
		gw = gateway.New(cfg.Gateway.URL, cfg.Gateway.Token, gateway.WithLogger(logger))
	}
	git := opts.Git
	if git == nil {
		git = gitops.NewExecRunner()
	}
	mtr := opts.Metrics
	if mtr == nil {
		mtr = metrics.New()
	}

	paths := config.NewPaths(cfg)
	st := store.New(logger)
	repos := gitops.NewManager(git, logger)
	feed := events.NewFeed(st, paths)

	o := &Orchestrator{
		cfg:         cfg,
		paths:       paths,
		logger:      logger,
		store:       st,
		projects:    project.NewManager(st, paths),
		runs:        runstate.New(st, paths),
		registry:    registry.New(st, paths.RegistryFile()),
		retries:     retry.New(st, paths.RetryFile()),
		ledger:      ledger.New(st, paths),
		feed:        feed,
		roles:       roles.New(st, paths.RolesFile(), paths.PromptsDir()),
		escalations: escalation.New(st, paths.EscalationsFile()),
		pipelines:   pipeline.New(st, paths.PipelinesFile()),
		queue:       queue.New(st, paths.QueueFile()),
		repos:       repos,
		metrics:     mtr,
		collecting:  make(map[string]bool),
	}
	o.collector = phasecol.New(st, paths, repos, logger)

	if err := o.roles.Seed(); err != nil {
		return nil, fmt.Errorf("seed roles: %w", err)
	}
	if err := o.pipelines.Seed(); err != nil {
		return nil, fmt.Errorf("seed pipelines: %w", err)
	}

	o.dispatch = dispatch.New(dispatch.Deps{
		Config:      cfg,
		Paths:       paths,
		Registry:    o.registry,
		Retries:     o.retries,
		Ledger:      o.ledger,
		Feed:        feed,
		Roles:       o.roles,
		Skills:      skills.New(paths.SkillsDir(), nil, logger),
		Gateway:     gw,
		Repos:       repos,
		Escalations: o.escalations,
		Runs:        o.runs,
		Projects:    o.projects,
		Pipelines:   o.pipelines,
		Collector:   o.collector,
		Metrics:     mtr,
		Logger:      logger,
	})

	o.resolver = resolver.New(resolver.Deps{
		Config:      cfg,
		Paths:       paths,
		Store:       st,
		Roles:       o.roles,
		Gateway:     gw,
		Ledger:      o.ledger,
		Feed:        feed,
		Escalations: o.escalations,
		Metrics:     mtr,
		Logger:      logger,
	})

	o.review = review.New(review.Deps{
		Config:      cfg,
		Paths:       paths,
		Store:       st,
		Repos:       repos,
		Gateway:     gw,
		Roles:       o.roles,
		Ledger:      o.ledger,
		Feed:        feed,
		Escalations: o.escalations,
		Resolver:    o.resolver,
		Collector:   o.collector,
		Metrics:     mtr,
		Logger:      logger,
	})

	wdeps := watcher.Deps{
		Config:      cfg,
		Paths:       paths,
		Projects:    o.projects,
		Runs:        o.runs,
		Registry:    o.registry,
		Dispatcher:  o.dispatch,
		Roles:       o.roles,
		Gateway:     gw,
		Ledger:      o.ledger,
		Feed:        feed,
		Escalations: o.escalations,
		Metrics:     mtr,
		Logger:      logger,
	}
	o.advancer = watcher.NewAdvancer(wdeps)
	o.watcher = watcher.NewWatcher(wdeps)

	// Exhausted tasks skip to an escalation without a webhook; the
	// dispatcher tells us when that settles a phase.
	o.dispatch.OnPhaseComplete(o.onPhaseShape)

	return o, nil
}

// Start recovers persisted state and begins polling. Call once.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Resume(ctx); err != nil {
		return err
	}
	return o.watcher.Start(ctx)
}

// Close stops the pollers and pending retry timers. The HTTP server
// drains in-flight handlers before calling this.
func (o *Orchestrator) Close() {
	o.watcher.Stop()
	o.dispatch.Close()
	o.feed.Close()
}

func (o *Orchestrator) Metrics() *metrics.Metrics        { return o.metrics }
func (o *Orchestrator) Runs() *runstate.Manager          { return o.runs }
func (o *Orchestrator) Projects() *project.Manager       { return o.projects }
func (o *Orchestrator) Escalations() *escalation.Manager { return o.escalations }
func (o *Orchestrator) Roles() *roles.Store              { return o.roles }
func (o *Orchestrator) Ledger() *ledger.Ledger           { return o.ledger }
func (o *Orchestrator) Queue() *queue.Queue              { return o.queue }
func (o *Orchestrator) Pipelines() *pipeline.Store       { return o.pipelines }
func (o *Orchestrator) Watcher() *watcher.Watcher        { return o.watcher }
func (o *Orchestrator) ReviewCycles() *review.Service    { return o.review }

func scopeOf(run *runstate.Run) string {
	if run.ProjectName != "" {
		return run.ProjectName
	}
	return "pipeline:" + run.PipelineID
}
