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

package providers_test

import (
	"context"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker/pkg/apis"
)

var ctx context.Context

func TestProviders(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
})

// recordingPublisher captures published events for assertions.
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
