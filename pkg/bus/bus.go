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

package bus

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	brokercache "github.com/awslabs/open-resource-broker/pkg/cache"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

var messageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "orb",
	Subsystem: "bus",
	Name:      "message_duration_seconds",
	Help:      "Latency of dispatched messages partitioned by message type and outcome.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"message", "kind", "status"})

// Command is a state-changing message served by exactly one handler.
type Command interface {
	CommandName() string
}

// Query is a read-only message served by exactly one handler.
type Query interface {
	QueryName() string
}

// CommandHandler serves one command type. Handlers resolve their
// dependencies at construction; nothing is instantiated at dispatch time.
type CommandHandler interface {
	CommandName() string
	Handle(ctx context.Context, command Command) (interface{}, error)
}

// QueryHandler serves one query type.
type QueryHandler interface {
	QueryName() string
	Handle(ctx context.Context, query Query) (interface{}, error)
}

// CacheableQueryHandler additionally declares a cache key as a pure function
// of the query. Identical queries return the cached result until the TTL
// lapses or an invalidating command succeeds.
type CacheableQueryHandler interface {
	QueryHandler
	CacheKey(query Query) (string, bool)
	CacheTags() []string
}

// Invalidator marks a command handler whose success drops cached queries
// carrying any matching tag.
type Invalidator interface {
	InvalidationTags() []string
}

// EventHandler observes published domain events. Any number may subscribe to
// one event type.
type EventHandler func(ctx context.Context, event apis.Event)

// Envelope is the structured outcome of every dispatched message.
type Envelope struct {
	OK        bool                   `json:"ok"`
	Value     interface{}            `json:"value,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}

func Success(value interface{}) Envelope {
	return Envelope{OK: true, Value: value}
}

func Failure(err error) Envelope {
	return Envelope{
		OK:        false,
		ErrorKind: string(errors.KindOf(err)),
		Message:   err.Error(),
		Details:   errors.DetailsOf(err),
		Retryable: errors.IsRetryable(err),
	}
}

// Bus routes commands and queries to exactly one handler each and fans
// events out to every subscriber. No lock is held across a handler call.
type Bus struct {
	mu            sync.RWMutex
	commands      map[string]CommandHandler
	queries       map[string]QueryHandler
	eventHandlers map[string][]EventHandler

	cache    *gocache.Cache
	cacheTTL time.Duration
	// tag -> cache keys currently stored under that tag
	tagged map[string]map[string]struct{}
}

type BusOption func(*Bus)

func WithQueryCacheTTL(ttl time.Duration) BusOption {
	return func(b *Bus) { b.cacheTTL = ttl }
}

func New(opts ...BusOption) *Bus {
	b := &Bus{
		commands:      map[string]CommandHandler{},
		queries:       map[string]QueryHandler{},
		eventHandlers: map[string][]EventHandler{},
		cacheTTL:      brokercache.QueryTTL,
		tagged:        map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cache = gocache.New(b.cacheTTL, brokercache.DefaultCleanupInterval)
	return b
}

// RegisterCommandHandler binds a handler to its command type. Registration
// is idempotent by type: a second registration for the same type keeps the
// first binding unless replace is set.
func (b *Bus) RegisterCommandHandler(handler CommandHandler, replace bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.commands[handler.CommandName()]; exists && !replace {
		return
	}
	b.commands[handler.CommandName()] = handler
}

func (b *Bus) RegisterQueryHandler(handler QueryHandler, replace bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queries[handler.QueryName()]; exists && !replace {
		return
	}
	b.queries[handler.QueryName()] = handler
}

func (b *Bus) RegisterEventHandler(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventHandlers[eventType] = append(b.eventHandlers[eventType], handler)
}

// Dispatch routes a command to its handler and wraps the outcome. A
// successful invalidating command drops matching cached queries.
func (b *Bus) Dispatch(ctx context.Context, command Command) Envelope {
	b.mu.RLock()
	handler, ok := b.commands[command.CommandName()]
	b.mu.RUnlock()
	if !ok {
		return Failure(errors.NotFound("no handler registered for command %q", command.CommandName()))
	}

	start := time.Now()
	value, err := handler.Handle(ctx, command)
	b.observe(command.CommandName(), "command", start, err)
	if err != nil {
		return Failure(err)
	}
	if invalidator, ok := handler.(Invalidator); ok {
		b.invalidate(invalidator.InvalidationTags())
	}
	return Success(value)
}

// Ask routes a query to its handler, serving from the query cache when the
// handler declares a key.
func (b *Bus) Ask(ctx context.Context, query Query) Envelope {
	b.mu.RLock()
	handler, ok := b.queries[query.QueryName()]
	b.mu.RUnlock()
	if !ok {
		return Failure(errors.NotFound("no handler registered for query %q", query.QueryName()))
	}

	cacheable, isCacheable := handler.(CacheableQueryHandler)
	var cacheKey string
	if isCacheable {
		key, usable := cacheable.CacheKey(query)
		if usable {
			cacheKey = query.QueryName() + "|" + key
			if cached, found := b.cache.Get(cacheKey); found {
				return Success(cached)
			}
		}
	}

	start := time.Now()
	value, err := handler.Handle(ctx, query)
	b.observe(query.QueryName(), "query", start, err)
	if err != nil {
		return Failure(err)
	}
	if cacheKey != "" {
		b.cache.SetDefault(cacheKey, value)
		b.mu.Lock()
		for _, tag := range cacheable.CacheTags() {
			if b.tagged[tag] == nil {
				b.tagged[tag] = map[string]struct{}{}
			}
			b.tagged[tag][cacheKey] = struct{}{}
		}
		b.mu.Unlock()
	}
	return Success(value)
}

// Publish fans an event out to every handler registered for its type.
// Delivery is synchronous and best-effort; nothing depends on it for
// correctness.
func (b *Bus) Publish(ctx context.Context, events ...apis.Event) {
	for _, event := range events {
		b.mu.RLock()
		handlers := lo.Flatten([][]EventHandler{
			b.eventHandlers[event.EventType()],
			b.eventHandlers["*"],
		})
		b.mu.RUnlock()
		for _, handler := range handlers {
			handler(ctx, event)
		}
	}
}

func (b *Bus) invalidate(tags []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tag := range tags {
		for key := range b.tagged[tag] {
			b.cache.Delete(key)
		}
		delete(b.tagged, tag)
	}
}

func (b *Bus) observe(message, kind string, start time.Time, err error) {
	status := lo.Ternary(err == nil, "success", "failure")
	messageDuration.WithLabelValues(message, kind, status).Observe(time.Since(start).Seconds())
}
