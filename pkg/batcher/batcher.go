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

package batcher

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/mitchellh/hashstructure/v2"
)

// Options configures a batcher. The batching window starts when the first
// request arrives and flushes when the window goes idle for IdleTimeout,
// when MaxTimeout elapses, or when MaxItems requests are pending across all
// hash buckets of the window.
type Options[T any, U any] struct {
	Name          string
	IdleTimeout   time.Duration
	MaxTimeout    time.Duration
	MaxItems      int
	RequestHasher func(ctx context.Context, input *T) uint64
	BatchExecutor func(ctx context.Context, inputs []*T) []Result[U]
}

// Result is the per-request outcome of a batched execution.
type Result[U any] struct {
	Output *U
	Err    error
}

type request[T any, U any] struct {
	ctx      context.Context
	hash     uint64
	input    *T
	response chan Result[U]
}

// Batcher collects concurrent requests that hash to the same bucket and
// executes them in one provider call.
type Batcher[T any, U any] struct {
	options  Options[T, U]
	requests chan *request[T, U]
}

func NewBatcher[T any, U any](ctx context.Context, options Options[T, U]) *Batcher[T, U] {
	b := &Batcher[T, U]{
		options:  options,
		requests: make(chan *request[T, U], options.MaxItems),
	}
	go b.run(ctx)
	return b
}

// Add queues one request and blocks until its batch executes or the request
// context is done.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	req := &request[T, U]{
		ctx:      ctx,
		hash:     b.options.RequestHasher(ctx, input),
		input:    input,
		response: make(chan Result[U], 1),
	}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
	select {
	case result := <-req.response:
		return result
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
}

func (b *Batcher[T, U]) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-b.requests:
			b.collect(ctx, first)
		}
	}
}

// collect accumulates requests until a flush trigger fires, then executes
// each hash bucket concurrently.
func (b *Batcher[T, U]) collect(ctx context.Context, first *request[T, U]) {
	windowStart := time.Now()
	buckets := map[uint64][]*request[T, U]{first.hash: {first}}
	total := 1

	idle := time.NewTimer(b.options.IdleTimeout)
	deadline := time.NewTimer(b.options.MaxTimeout)
	defer idle.Stop()
	defer deadline.Stop()

loop:
	for total < b.options.MaxItems {
		select {
		case <-ctx.Done():
			return
		case req := <-b.requests:
			buckets[req.hash] = append(buckets[req.hash], req)
			total++
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(b.options.IdleTimeout)
		case <-idle.C:
			break loop
		case <-deadline.C:
			break loop
		}
	}

	batchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(windowStart).Seconds())
	for _, bucket := range buckets {
		go b.execute(ctx, bucket)
	}
}

func (b *Batcher[T, U]) execute(ctx context.Context, bucket []*request[T, U]) {
	batchSize.WithLabelValues(b.options.Name).Observe(float64(len(bucket)))
	inputs := make([]*T, 0, len(bucket))
	for _, req := range bucket {
		inputs = append(inputs, req.input)
	}
	results := b.options.BatchExecutor(ctx, inputs)
	if len(results) != len(bucket) {
		logr.FromContextOrDiscard(ctx).Info("batch executor returned a mismatched result count",
			"batcher", b.options.Name, "expected", len(bucket), "got", len(results))
	}
	for i, req := range bucket {
		if i < len(results) {
			req.response <- results[i]
		} else {
			close(req.response)
		}
	}
}

// DefaultHasher buckets requests by the structural hash of the input.
func DefaultHasher[T any](ctx context.Context, input *T) uint64 {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed hashing batch input")
	}
	return hash
}

// OneBucketHasher places every request in a single bucket.
func OneBucketHasher[T any](context.Context, *T) uint64 {
	return 12345
}
