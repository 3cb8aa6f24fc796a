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

package fake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/providers"
)

// Strategy is a scriptable provider strategy for engine and dispatcher
// tests. It fulfills launch plans completely unless scripted otherwise.
type Strategy struct {
	StrategyName string
	Caps         []string
	Latency      time.Duration
	Healthy      atomic.Bool

	mu        sync.Mutex
	script    []func(op *providers.Operation) (*providers.Result, error)
	execCount atomic.Int64
	lastOps   []*providers.Operation
}

func NewStrategy(name string) *Strategy {
	s := &Strategy{StrategyName: name, Caps: []string{"on-demand", "spot", "abis"}}
	s.Healthy.Store(true)
	return s
}

func (s *Strategy) Name() string           { return s.StrategyName }
func (s *Strategy) Capabilities() []string { return s.Caps }

func (s *Strategy) CheckHealth(context.Context) providers.HealthStatus {
	return providers.HealthStatus{Healthy: s.Healthy.Load(), CheckedAt: time.Now().UTC()}
}

// Script queues responses consumed in order; once drained, the default
// fulfillment behavior resumes.
func (s *Strategy) Script(steps ...func(op *providers.Operation) (*providers.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, steps...)
}

// Fail queues n failures with the given error.
func (s *Strategy) Fail(n int, err error) {
	for i := 0; i < n; i++ {
		s.Script(func(*providers.Operation) (*providers.Result, error) { return nil, err })
	}
}

func (s *Strategy) ExecCount() int64 { return s.execCount.Load() }

func (s *Strategy) Operations() []*providers.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*providers.Operation{}, s.lastOps...)
}

func (s *Strategy) Execute(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
	s.execCount.Add(1)
	s.mu.Lock()
	s.lastOps = append(s.lastOps, op)
	var step func(op *providers.Operation) (*providers.Result, error)
	if len(s.script) > 0 {
		step = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Latency):
		}
	}
	if step != nil {
		return step(op)
	}
	return s.fulfill(op)
}

func (s *Strategy) fulfill(op *providers.Operation) (*providers.Result, error) {
	switch op.Kind {
	case providers.OpCreateInstances:
		payload := op.Payload.(*sdk.CreateInstancesPayload)
		result := &sdk.CreateInstancesResult{}
		for i := 0; i < payload.Count; i++ {
			result.Instances = append(result.Instances, sdk.LaunchedInstance{
				InstanceID:   NextInstanceID(),
				InstanceType: "t3.medium",
				Lifecycle:    "on-demand",
			})
		}
		return &providers.Result{Provider: s.StrategyName, Data: result}, nil
	case providers.OpTerminateInstances:
		payload := op.Payload.(*sdk.TerminateInstancesPayload)
		return &providers.Result{Provider: s.StrategyName, Data: &sdk.TerminateInstancesResult{TerminatedIDs: payload.InstanceIDs}}, nil
	case providers.OpGetInstanceStatus:
		payload := op.Payload.(*sdk.InstanceStatusPayload)
		result := &sdk.InstanceStatusResult{
			States:    map[string]string{},
			PrivateIP: map[string]string{},
			PublicIP:  map[string]string{},
		}
		for _, id := range payload.InstanceIDs {
			result.States[id] = "running"
			result.PrivateIP[id] = "10.0.0.10"
		}
		return &providers.Result{Provider: s.StrategyName, Data: result}, nil
	case providers.OpGetCapabilities:
		return &providers.Result{Provider: s.StrategyName, Data: s.Caps}, nil
	default:
		return &providers.Result{Provider: s.StrategyName, Data: true}, nil
	}
}
