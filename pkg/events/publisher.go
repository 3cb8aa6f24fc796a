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

package events

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/awslabs/open-resource-broker/pkg/apis"
)

// Publisher is the event publishing port. When unbound, events are dropped
// at commit with no behavioral change; nothing in the broker depends on
// delivery for correctness.
type Publisher interface {
	Publish(ctx context.Context, events ...apis.Event)
}

// NopPublisher drops all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...apis.Event) {}

// LogPublisher writes each event to the context logger at verbosity 1.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, events ...apis.Event) {
	for _, e := range events {
		logr.FromContextOrDiscard(ctx).V(1).Info("domain event",
			"type", e.EventType(), "aggregate", e.AggregateID(), "sequence", e.Sequence())
	}
}

// Fanout publishes to every wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, events ...apis.Event) {
	for _, p := range f {
		p.Publish(ctx, events...)
	}
}
