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

package providers

import (
	"context"
	"time"
)

// OperationKind enumerates the typed operations a provider strategy executes.
type OperationKind string

const (
	OpCreateInstances       OperationKind = "CreateInstances"
	OpTerminateInstances    OperationKind = "TerminateInstances"
	OpGetInstanceStatus     OperationKind = "GetInstanceStatus"
	OpValidateTemplate      OperationKind = "ValidateTemplate"
	OpHealthCheck           OperationKind = "HealthCheck"
	OpGetAvailableTemplates OperationKind = "GetAvailableTemplates"
	OpGetCapabilities       OperationKind = "GetCapabilities"
)

// Operation is one typed unit of provider work. Key carries the affinity key
// for hash-based load balancing; Payload is interpreted by the concrete
// strategy.
type Operation struct {
	Kind    OperationKind
	Key     string
	Payload interface{}
}

// Result carries a successful operation outcome plus the provider that
// produced it. Failures travel as errors from the broker taxonomy.
type Result struct {
	Provider string
	Data     interface{}
}

// HealthStatus is one provider health observation.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Strategy executes operations against one backend, or composes other
// strategies that do.
type Strategy interface {
	Name() string
	Capabilities() []string
	Execute(ctx context.Context, op *Operation) (*Result, error)
	CheckHealth(ctx context.Context) HealthStatus
}

// SelectionPolicy names how the context picks among registered strategies.
type SelectionPolicy string

const (
	PolicyFirstAvailable     SelectionPolicy = "first_available"
	PolicyRoundRobin         SelectionPolicy = "round_robin"
	PolicyWeightedRoundRobin SelectionPolicy = "weighted_round_robin"
	PolicyLeastConnections   SelectionPolicy = "least_connections"
	PolicyFastestResponse    SelectionPolicy = "fastest_response"
	PolicyHighestSuccessRate SelectionPolicy = "highest_success_rate"
	PolicyCapabilityBased    SelectionPolicy = "capability_based"
	PolicyHealthBased        SelectionPolicy = "health_based"
	PolicyRandom             SelectionPolicy = "random"
)

var SelectionPolicies = []SelectionPolicy{
	PolicyFirstAvailable,
	PolicyRoundRobin,
	PolicyWeightedRoundRobin,
	PolicyLeastConnections,
	PolicyFastestResponse,
	PolicyHighestSuccessRate,
	PolicyCapabilityBased,
	PolicyHealthBased,
	PolicyRandom,
}

// Criteria narrows the eligible set before a policy applies.
type Criteria struct {
	MinSuccessRate       float64
	MaxResponseTime      time.Duration
	RequireHealthy       bool
	RequiredCapabilities []string
}
