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
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/events"
)

// MemoryStore keeps aggregates in process memory. It backs tests and serves
// as the base layer for the JSON file store. Access is concurrent; each
// repository exposes a linearizable view of a single aggregate through the
// store mutex.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*apis.Request
	machines  map[string]*apis.Machine
	publisher events.Publisher

	// afterMutate runs inside the write lock after every successful mutation;
	// the JSON file store hooks persistence here.
	afterMutate func() error
}

func NewMemoryStore(publisher events.Publisher) *MemoryStore {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &MemoryStore{
		requests:  map[string]*apis.Request{},
		machines:  map[string]*apis.Machine{},
		publisher: publisher,
	}
}

func (s *MemoryStore) Name() string                { return "memory" }
func (s *MemoryStore) Requests() RequestRepository { return (*memoryRequests)(s) }
func (s *MemoryStore) Machines() MachineRepository { return (*memoryMachines)(s) }

func (s *MemoryStore) Health(context.Context) error { return nil }

// PurgeRequest removes a request and cascades to its machines.
func (s *MemoryStore) PurgeRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[requestID]; !ok {
		return errors.NotFound("request %s not found", requestID)
	}
	delete(s.requests, requestID)
	for id, m := range s.machines {
		if m.RequestID == requestID {
			delete(s.machines, id)
		}
	}
	return s.mutated()
}

func (s *MemoryStore) mutated() error {
	if s.afterMutate != nil {
		return s.afterMutate()
	}
	return nil
}

type memoryRequests MemoryStore

func (r *memoryRequests) FindByID(_ context.Context, id string) (*apis.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, errors.NotFound("request %s not found", id)
	}
	return copyRequest(req), nil
}

func (r *memoryRequests) Save(ctx context.Context, request *apis.Request) error {
	r.mu.Lock()
	existing, ok := r.requests[request.RequestID]
	if ok && existing.Version != request.Version {
		r.mu.Unlock()
		return errors.Conflict("request %s version %d is stale, stored version is %d",
			request.RequestID, request.Version, existing.Version)
	}
	request.Version++
	drained := request.DrainEvents()
	r.requests[request.RequestID] = copyRequest(request)
	err := (*MemoryStore)(r).mutated()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publisher.Publish(ctx, drained...)
	return nil
}

func (r *memoryRequests) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[id]; !ok {
		return errors.NotFound("request %s not found", id)
	}
	for _, m := range r.machines {
		if m.RequestID == id {
			return errors.Validation("request %s still owns machines, purge instead", id)
		}
	}
	delete(r.requests, id)
	return (*MemoryStore)(r).mutated()
}

func (r *memoryRequests) FindAll(_ context.Context, filter Filter, page Page) ([]*apis.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matches := lo.Filter(lo.Values(r.requests), func(req *apis.Request, _ int) bool {
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, string(req.Status)) {
			return false
		}
		if filter.TemplateID != "" && req.TemplateID != filter.TemplateID {
			return false
		}
		if filter.RequestID != "" && req.RequestID != filter.RequestID {
			return false
		}
		return true
	})
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return lo.Map(paginate(matches, page), func(req *apis.Request, _ int) *apis.Request { return copyRequest(req) }), nil
}

func (r *memoryRequests) FindByStatus(ctx context.Context, statuses ...apis.RequestStatus) ([]*apis.Request, error) {
	return r.FindAll(ctx, Filter{Statuses: lo.Map(statuses, func(s apis.RequestStatus, _ int) string { return string(s) })}, Page{})
}

type memoryMachines MemoryStore

func (m *memoryMachines) FindByID(_ context.Context, id string) (*apis.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[id]
	if !ok {
		return nil, errors.NotFound("machine %s not found", id)
	}
	return copyMachine(machine), nil
}

func (m *memoryMachines) Save(ctx context.Context, machine *apis.Machine) error {
	m.mu.Lock()
	if _, ok := m.requests[machine.RequestID]; !ok {
		m.mu.Unlock()
		return errors.Validation("machine %s references unknown request %s", machine.MachineID, machine.RequestID)
	}
	existing, ok := m.machines[machine.MachineID]
	if ok && existing.Version != machine.Version {
		m.mu.Unlock()
		return errors.Conflict("machine %s version %d is stale, stored version is %d",
			machine.MachineID, machine.Version, existing.Version)
	}
	if !ok {
		// (provider, instance id) is globally unique
		for _, other := range m.machines {
			if other.ProviderName == machine.ProviderName && other.InstanceID == machine.InstanceID {
				m.mu.Unlock()
				return errors.Conflict("instance %s is already recorded for provider %s", machine.InstanceID, machine.ProviderName)
			}
		}
	}
	machine.Version++
	drained := machine.DrainEvents()
	m.machines[machine.MachineID] = copyMachine(machine)
	err := (*MemoryStore)(m).mutated()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.publisher.Publish(ctx, drained...)
	return nil
}

func (m *memoryMachines) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[id]; !ok {
		return errors.NotFound("machine %s not found", id)
	}
	delete(m.machines, id)
	return (*MemoryStore)(m).mutated()
}

func (m *memoryMachines) FindAll(_ context.Context, filter Filter, page Page) ([]*apis.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := lo.Filter(lo.Values(m.machines), func(machine *apis.Machine, _ int) bool {
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, string(machine.Status)) {
			return false
		}
		if filter.TemplateID != "" && machine.TemplateID != filter.TemplateID {
			return false
		}
		if filter.RequestID != "" && machine.RequestID != filter.RequestID {
			return false
		}
		return true
	})
	sort.Slice(matches, func(i, j int) bool { return matches[i].LaunchTime.Before(matches[j].LaunchTime) })
	return lo.Map(paginate(matches, page), func(machine *apis.Machine, _ int) *apis.Machine { return copyMachine(machine) }), nil
}

func (m *memoryMachines) FindByStatus(ctx context.Context, statuses ...apis.MachineStatus) ([]*apis.Machine, error) {
	return m.FindAll(ctx, Filter{Statuses: lo.Map(statuses, func(s apis.MachineStatus, _ int) string { return string(s) })}, Page{})
}

func (m *memoryMachines) FindByRequest(ctx context.Context, requestID string) ([]*apis.Machine, error) {
	return m.FindAll(ctx, Filter{RequestID: requestID}, Page{})
}

func paginate[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}

func copyRequest(r *apis.Request) *apis.Request {
	cp := *r
	cp.MachineIDs = lo.Map(r.MachineIDs, func(s string, _ int) string { return s })
	cp.MachineRefs = lo.Map(r.MachineRefs, func(s string, _ int) string { return s })
	cp.Errors = lo.Map(r.Errors, func(e apis.RequestError, _ int) apis.RequestError { return e })
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyMachine(m *apis.Machine) *apis.Machine {
	cp := *m
	return &cp
}
