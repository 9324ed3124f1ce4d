package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/atlasforge-ai/atlasforge/internal/adapters/agent"
	"github.com/atlasforge-ai/atlasforge/internal/adapters/broker"
	"github.com/atlasforge-ai/atlasforge/internal/adapters/state"
	"github.com/atlasforge-ai/atlasforge/internal/config"
	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/events"
	"github.com/atlasforge-ai/atlasforge/internal/job"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
	"github.com/atlasforge-ai/atlasforge/internal/stages"
)

// app bundles the wired process dependencies shared by the commands.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *state.Store
	broker *broker.RedisBroker
	bus    *events.Bus
}

// newApp loads configuration and wires the shared infrastructure.
func newApp() (*app, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	store, err := state.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	b := broker.New(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		broker: b,
		bus:    events.New(256),
	}, nil
}

// Close releases the shared infrastructure.
func (a *app) Close() {
	a.bus.Close()
	if err := a.broker.Close(); err != nil {
		a.logger.Warn("closing broker", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// agent selects the scripted agent when a script path is configured,
// otherwise the HTTP gateway.
func (a *app) agent() (core.Agent, error) {
	if a.cfg.Gateway.ScriptPath != "" {
		return agent.LoadScript(a.cfg.Gateway.ScriptPath)
	}
	return agent.NewGateway(agent.GatewayConfig{
		BaseURL:    a.cfg.Gateway.BaseURL,
		DefaultKey: a.cfg.Gateway.DefaultKey,
		Model:      a.cfg.Gateway.Model,
		Timeout:    a.cfg.Gateway.Timeout,
	}, a.logger), nil
}

// notifier fans progress out to the in-process bus and the Redis
// pub/sub channel.
func (a *app) notifier() core.Notifier {
	return events.Fanout{
		events.NewBusNotifier(a.bus),
		broker.NewNotifier(a.broker.Client(), a.logger),
	}
}

// buildEngine assembles the stage graph and the workflow engine.
func (a *app) buildEngine() (*engine.Engine, error) {
	ag, err := a.agent()
	if err != nil {
		return nil, err
	}

	dispatcher := job.NewDispatcher(a.broker, a.store, a.logger)

	graph, err := engine.NewBuilder().
		Add(stages.NewIntentAnalyzer(ag, a.logger)).
		Add(stages.NewCurriculumDesigner(ag, a.logger)).
		Add(stages.NewStructureValidator(a.logger)).
		Add(stages.NewRoadmapEditor(ag, a.logger)).
		Add(stages.NewReviewGate(a.logger)).
		Add(stages.NewContentGenerator(dispatcher, a.broker, a.logger)).
		WithSuspendPoint(core.StageHumanReview).
		Build()
	if err != nil {
		return nil, err
	}

	return engine.New(graph, a.store, a.store, a.logger).
		WithNotifier(a.notifier()), nil
}

// buildWorker assembles the consuming worker pool.
func (a *app) buildWorker() (*job.Worker, error) {
	ag, err := a.agent()
	if err != nil {
		return nil, err
	}

	runner := job.NewRunner(ag, job.NewKeyAllocator(a.store), a.store, a.notifier(), a.logger)
	wcfg := job.WorkerConfig{
		PoolSize:          a.cfg.Worker.PoolSize,
		HeartbeatInterval: a.cfg.Worker.HeartbeatInterval,
		RevokePollEvery:   a.cfg.Worker.RevokePollEvery,
	}
	return job.NewWorker(a.broker, runner, a.store, a.notifier(), wcfg, a.logger), nil
}
