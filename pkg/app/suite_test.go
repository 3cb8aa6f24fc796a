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

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/app"
	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/fake"
	"github.com/awslabs/open-resource-broker/pkg/handlers"
	"github.com/awslabs/open-resource-broker/pkg/providers"
	"github.com/awslabs/open-resource-broker/pkg/storage"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

var ctx context.Context

func TestApp(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "App")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
})

type recordingPublisher struct {
	mu     sync.Mutex
	events []apis.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...apis.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) ByType(eventType string) []apis.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matches []apis.Event
	for _, e := range p.events {
		if e.EventType() == eventType {
			matches = append(matches, e)
		}
	}
	return matches
}

// broker is the wired-together fixture the scenarios run against.
type broker struct {
	bus       *bus.Bus
	store     storage.Store
	engine    *providers.Context
	publisher *recordingPublisher
}

type brokerOptions struct {
	allowPartial bool
	maxAttempts  int
	breaker      *providers.CircuitBreaker
	strategies   []*fake.Strategy
}

func newBroker(opts brokerOptions) *broker {
	publisher := &recordingPublisher{}

	dir, err := os.MkdirTemp("", "orb-app-test-")
	Expect(err).To(BeNil())
	DeferCleanup(func() { _ = os.RemoveAll(dir) })
	Expect(os.WriteFile(filepath.Join(dir, "awsinst_templates.json"), []byte(`{
  "templates": [{
    "template_id": "aws-basic",
    "provider_api": "fleet",
    "image_id": "ami-1",
    "instance_type": "t3.medium",
    "subnet_ids": ["subnet-1"],
    "security_group_ids": ["sg-1"],
    "max_number": 10
  }]
}`), 0o644)).To(Succeed())

	engineOpts := []providers.ContextOption{providers.WithPublisher(publisher)}
	if opts.breaker != nil {
		engineOpts = append(engineOpts, providers.WithCircuitBreaker(opts.breaker))
	}
	engine := providers.NewContext(engineOpts...)
	for i, strategy := range opts.strategies {
		engine.RegisterStrategy(strategy, providers.WithPriority(i+1))
	}

	if opts.maxAttempts == 0 {
		opts.maxAttempts = 3
	}
	dispatcher := handlers.NewDispatcher(engine,
		handlers.WithDispatchPublisher(publisher),
		handlers.WithMaxAttempts(opts.maxAttempts),
	)
	store := storage.NewMemoryStore(publisher)
	resolver := templates.NewResolver(templates.Config{Paths: []string{dir}}, publisher)

	messageBus := bus.New()
	app.Register(messageBus, store, resolver, dispatcher, engine, app.Options{
		AllowPartial:    opts.allowPartial,
		CleanupOnCancel: true,
	})
	return &broker{bus: messageBus, store: store, engine: engine, publisher: publisher}
}
