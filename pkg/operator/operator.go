/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operator wires the configuration into a running broker: one typed
// registry where each port has exactly one active binding, resolved at
// startup. Handlers receive their dependencies explicitly; the only shared
// root is the Operator itself.
package operator

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/app"
	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/cloudprovider"
	"github.com/awslabs/open-resource-broker/pkg/config"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/events"
	"github.com/awslabs/open-resource-broker/pkg/handlers"
	"github.com/awslabs/open-resource-broker/pkg/providers"
	"github.com/awslabs/open-resource-broker/pkg/scheduler"
	"github.com/awslabs/open-resource-broker/pkg/storage"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

// defaultPollInterval paces the background machine status sweep when the
// broker runs in serve mode.
const defaultPollInterval = 30 * time.Second

// StrategyFactory builds a provider strategy from one configured instance.
// Tests substitute fakes here.
type StrategyFactory func(ctx context.Context, instance config.ProviderInstance) (providers.Strategy, error)

// Operator is the root service registry.
type Operator struct {
	Config     *config.Config
	Bus        *bus.Bus
	Engine     *providers.Context
	Store      storage.Store
	Resolver   *templates.Resolver
	Dispatcher *handlers.Dispatcher
	Scheduler  scheduler.Strategy
	Publisher  events.Publisher
	Monitor    *providers.Monitor
}

type Option func(*settings)

type settings struct {
	strategyFactory StrategyFactory
	publisher       events.Publisher
}

// WithStrategyFactory overrides how provider strategies are built.
func WithStrategyFactory(factory StrategyFactory) Option {
	return func(s *settings) { s.strategyFactory = factory }
}

// WithPublisher overrides the event publisher binding. Unbound publishing
// drops events with no behavioral change.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *settings) { s.publisher = publisher }
}

// New wires a broker from configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Operator, error) {
	s := &settings{strategyFactory: awsStrategyFactory}
	for _, opt := range opts {
		opt(s)
	}

	messageBus := bus.New()
	publisher := s.publisher
	if publisher == nil {
		publisher = events.Fanout{events.LogPublisher{}, busPublisher{bus: messageBus}}
	}

	store, err := storage.Open(cfg.Storage.Strategy, cfg.DataDir, publisher)
	if err != nil {
		return nil, err
	}

	var breaker *providers.CircuitBreaker
	if cfg.Provider.CircuitBreaker.Enabled {
		breaker = providers.NewCircuitBreaker(providers.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: cfg.Provider.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  time.Duration(cfg.Provider.CircuitBreaker.RecoveryTimeout) * time.Second,
			HalfOpenMaxCalls: cfg.Provider.CircuitBreaker.HalfOpenMaxCalls,
		})
	}
	engine := providers.NewContext(
		providers.WithCircuitBreaker(breaker),
		providers.WithPublisher(publisher),
	)
	engine.SetSelectionPolicy(providers.SelectionPolicy(cfg.Provider.SelectionPolicy))
	engine.SetSelectionCriteria(providers.Criteria{
		MinSuccessRate:       cfg.Provider.SelectionCriteria.MinSuccessRate,
		MaxResponseTime:      time.Duration(cfg.Provider.SelectionCriteria.MaxResponseTime * float64(time.Second)),
		RequireHealthy:       cfg.Provider.SelectionCriteria.RequireHealthy,
		RequiredCapabilities: cfg.Provider.SelectionCriteria.RequiredCapabilities,
	})
	for _, instance := range cfg.Provider.Providers {
		if !instance.IsEnabled() {
			continue
		}
		strategy, err := s.strategyFactory(ctx, instance)
		if err != nil {
			return nil, err
		}
		engine.RegisterStrategy(strategy,
			providers.WithPriority(instance.Priority),
			providers.WithWeight(instance.Weight),
		)
	}

	resolver := templates.NewResolver(templates.Config{
		Paths:           cfg.Template.Paths,
		DefaultProvider: defaultProviderPrefix(cfg),
	}, publisher)

	dispatcher := handlers.NewDispatcher(engine,
		handlers.WithDispatchPublisher(publisher),
		handlers.WithOperationTimeout(time.Duration(cfg.Provider.OperationTimeout)*time.Second),
		handlers.WithNativeSpec(handlers.NativeSpecConfig{
			Enabled:          cfg.NativeSpec.Enabled,
			MergeMode:        apis.NativeSpecMergeMode(mergeModeOrDefault(cfg.NativeSpec.MergeMode)),
			FallbackToLegacy: cfg.NativeSpec.ErrorHandling.FallbackToLegacy,
			FailFastOnErrors: cfg.NativeSpec.ErrorHandling.FailFastOnErrors,
			Render: templates.RenderOptions{
				MaxRecursionDepth: cfg.NativeSpec.Rendering.MaxRecursionDepth,
				Timeout:           time.Duration(cfg.NativeSpec.Rendering.TimeoutSeconds) * time.Second,
				AutoEscape:        cfg.NativeSpec.Rendering.EnableAutoEscape,
				CacheSize:         cfg.NativeSpec.Rendering.CacheSize,
			},
		}),
	)

	schedulerStrategy, err := scheduler.New(cfg.Scheduler.Strategy,
		scheduler.WithFieldMapping(cfg.Scheduler.FieldMapping),
		scheduler.WithAttributeDefaults(cfg.Scheduler.DefaultNCPUs, cfg.Scheduler.DefaultNRAM),
	)
	if err != nil {
		return nil, err
	}

	app.Register(messageBus, store, resolver, dispatcher, engine, app.Options{
		AllowPartial:    cfg.Scheduler.AllowPartial,
		CleanupOnCancel: true,
	})

	return &Operator{
		Config:     cfg,
		Bus:        messageBus,
		Engine:     engine,
		Store:      store,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Scheduler:  schedulerStrategy,
		Publisher:  publisher,
		Monitor:    providers.NewMonitor(engine, time.Duration(cfg.Provider.HealthCheckInterval)*time.Second),
	}, nil
}

// Serve runs the background loops until the context is done: the active
// health monitor and the machine status sweep.
func (o *Operator) Serve(ctx context.Context) {
	go o.Monitor.Start(ctx)
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	log := logr.FromContextOrDiscard(ctx)
	log.Info("broker serving", "providers", o.Engine.Providers(), "storage", o.Store.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if envelope := o.Bus.Dispatch(ctx, app.PollMachines{}); !envelope.OK {
				log.Info("machine poll sweep failed", "error", envelope.Message)
			}
		}
	}
}

func awsStrategyFactory(ctx context.Context, instance config.ProviderInstance) (providers.Strategy, error) {
	if instance.Type != "aws" {
		return nil, errors.Validation("unknown provider type %q for provider %s", instance.Type, instance.Name)
	}
	clients, err := sdk.NewClients(ctx, sdk.ClientOptions{
		Region:      instance.Config["region"],
		Profile:     instance.Config["profile"],
		EndpointURL: instance.Config["endpoint_url"],
	})
	if err != nil {
		return nil, err
	}
	opts := []cloudprovider.AWSOption{}
	if len(instance.Capabilities) > 0 {
		opts = append(opts, cloudprovider.WithCapabilities(instance.Capabilities))
	}
	return cloudprovider.NewAWSStrategy(ctx, instance.Name, instance.Config["region"], clients, opts...), nil
}

func defaultProviderPrefix(cfg *config.Config) string {
	for _, p := range cfg.Provider.Providers {
		if p.IsEnabled() {
			return p.Type
		}
	}
	return "aws"
}

func mergeModeOrDefault(mode string) string {
	if mode == "" {
		return "extend"
	}
	return mode
}

// busPublisher forwards domain events onto the bus's event surface.
type busPublisher struct {
	bus *bus.Bus
}

func (p busPublisher) Publish(ctx context.Context, events ...apis.Event) {
	p.bus.Publish(ctx, events...)
}
