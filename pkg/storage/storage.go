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

package storage

import (
	"context"

	"github.com/awslabs/open-resource-broker/pkg/apis"
)

// Filter narrows FindAll results. Zero values match everything.
type Filter struct {
	Statuses   []string
	TemplateID string
	RequestID  string
}

// Page bounds FindAll results. A zero Limit returns everything from Offset.
type Page struct {
	Offset int
	Limit  int
}

// RequestRepository is the persistence port for request aggregates. Save is
// transactional per aggregate with optimistic concurrency: a stale version
// fails with a Conflict error and is not retried transparently. Successful
// saves publish the aggregate's drained events.
type RequestRepository interface {
	FindByID(ctx context.Context, id string) (*apis.Request, error)
	Save(ctx context.Context, request *apis.Request) error
	Delete(ctx context.Context, id string) error
	FindAll(ctx context.Context, filter Filter, page Page) ([]*apis.Request, error)
	FindByStatus(ctx context.Context, statuses ...apis.RequestStatus) ([]*apis.Request, error)
}

// MachineRepository is the persistence port for machine aggregates.
type MachineRepository interface {
	FindByID(ctx context.Context, id string) (*apis.Machine, error)
	Save(ctx context.Context, machine *apis.Machine) error
	Delete(ctx context.Context, id string) error
	FindAll(ctx context.Context, filter Filter, page Page) ([]*apis.Machine, error)
	FindByStatus(ctx context.Context, statuses ...apis.MachineStatus) ([]*apis.Machine, error)
	FindByRequest(ctx context.Context, requestID string) ([]*apis.Machine, error)
}

// Store groups the repositories behind one named strategy. Deleting a
// request that still owns machines is rejected at the repository; PurgeRequest
// is the cascading path.
type Store interface {
	Name() string
	Requests() RequestRepository
	Machines() MachineRepository
	PurgeRequest(ctx context.Context, requestID string) error
	Health(ctx context.Context) error
}
