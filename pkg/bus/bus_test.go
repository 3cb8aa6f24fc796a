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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

type pingCommand struct{}

func (pingCommand) CommandName() string { return "Ping" }

type pingHandler struct {
	reply string
	tags  []string
	calls atomic.Int64
}

func (h *pingHandler) CommandName() string { return "Ping" }

func (h *pingHandler) InvalidationTags() []string { return h.tags }

func (h *pingHandler) Handle(context.Context, Command) (interface{}, error) {
	h.calls.Add(1)
	return h.reply, nil
}

type countQuery struct {
	Bucket string
}

func (countQuery) QueryName() string { return "Count" }

type countHandler struct {
	calls atomic.Int64
}

func (h *countHandler) QueryName() string { return "Count" }

func (h *countHandler) CacheKey(q Query) (string, bool) { return q.(countQuery).Bucket, true }

func (h *countHandler) CacheTags() []string { return []string{"counts"} }

func (h *countHandler) Handle(context.Context, Query) (interface{}, error) {
	return h.calls.Add(1), nil
}

func TestDispatchUnknownMessage(t *testing.T) {
	b := New()
	envelope := b.Dispatch(context.Background(), pingCommand{})
	assert.False(t, envelope.OK)
	assert.Equal(t, string(errors.KindNotFound), envelope.ErrorKind)

	envelope = b.Ask(context.Background(), countQuery{})
	assert.False(t, envelope.OK)
	assert.Equal(t, string(errors.KindNotFound), envelope.ErrorKind)
}

func TestRegistrationIsIdempotentByType(t *testing.T) {
	b := New()
	first := &pingHandler{reply: "first"}
	second := &pingHandler{reply: "second"}

	b.RegisterCommandHandler(first, false)
	b.RegisterCommandHandler(second, false)
	envelope := b.Dispatch(context.Background(), pingCommand{})
	require.True(t, envelope.OK)
	assert.Equal(t, "first", envelope.Value)

	b.RegisterCommandHandler(second, true)
	envelope = b.Dispatch(context.Background(), pingCommand{})
	require.True(t, envelope.OK)
	assert.Equal(t, "second", envelope.Value)
}

func TestQueryCachingAndInvalidation(t *testing.T) {
	b := New()
	counter := &countHandler{}
	b.RegisterQueryHandler(counter, false)
	b.RegisterCommandHandler(&pingHandler{reply: "ok", tags: []string{"counts"}}, false)

	first := b.Ask(context.Background(), countQuery{Bucket: "a"})
	second := b.Ask(context.Background(), countQuery{Bucket: "a"})
	require.True(t, first.OK)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int64(1), counter.calls.Load())

	// a different key misses the cache
	b.Ask(context.Background(), countQuery{Bucket: "b"})
	assert.Equal(t, int64(2), counter.calls.Load())

	// a successful invalidating command drops the tag
	require.True(t, b.Dispatch(context.Background(), pingCommand{}).OK)
	b.Ask(context.Background(), countQuery{Bucket: "a"})
	assert.Equal(t, int64(3), counter.calls.Load())
}

func TestEventFanout(t *testing.T) {
	b := New()
	var typed, wildcard atomic.Int64
	b.RegisterEventHandler("ProviderHealthChanged", func(context.Context, apis.Event) { typed.Add(1) })
	b.RegisterEventHandler("*", func(context.Context, apis.Event) { wildcard.Add(1) })

	b.Publish(context.Background(), &apis.ProviderHealthChanged{Provider: "aws", Healthy: false})
	assert.Equal(t, int64(1), typed.Load())
	assert.Equal(t, int64(1), wildcard.Load())
}

func TestEnvelopeCarriesStructuredError(t *testing.T) {
	envelope := Failure(errors.New(errors.KindSaturated, "busy").WithDetail("provider", "aws"))
	assert.False(t, envelope.OK)
	assert.Equal(t, "Saturated", envelope.ErrorKind)
	assert.True(t, envelope.Retryable)
	assert.Equal(t, "aws", envelope.Details["provider"])
}
