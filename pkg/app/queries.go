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

package app

import (
	"context"
	"fmt"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/providers"
	"github.com/awslabs/open-resource-broker/pkg/storage"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

// cacheKeyOf hashes a query value into a stable cache key.
func cacheKeyOf(query bus.Query) (string, bool) {
	hash, err := hashstructure.Hash(query, hashstructure.FormatV2, nil)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%d", hash), true
}

type GetRequestHandler struct{ store storage.Store }

func NewGetRequestHandler(store storage.Store) *GetRequestHandler {
	return &GetRequestHandler{store: store}
}

func (h *GetRequestHandler) QueryName() string { return GetRequest{}.QueryName() }

func (h *GetRequestHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	get, ok := query.(GetRequest)
	if !ok {
		return nil, errors.Validation("GetRequest handler received %T", query)
	}
	request, err := h.store.Requests().FindByID(ctx, get.RequestID)
	if err != nil {
		return nil, err
	}
	machines, err := h.store.Machines().FindByRequest(ctx, request.RequestID)
	if err != nil {
		return nil, err
	}
	return &RequestResult{Request: request, Machines: machines}, nil
}

type ListRequestsHandler struct{ store storage.Store }

func NewListRequestsHandler(store storage.Store) *ListRequestsHandler {
	return &ListRequestsHandler{store: store}
}

func (h *ListRequestsHandler) QueryName() string { return ListRequests{}.QueryName() }

func (h *ListRequestsHandler) CacheKey(query bus.Query) (string, bool) { return cacheKeyOf(query) }

func (h *ListRequestsHandler) CacheTags() []string { return []string{"requests"} }

func (h *ListRequestsHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	list, ok := query.(ListRequests)
	if !ok {
		return nil, errors.Validation("ListRequests handler received %T", query)
	}
	filter := storage.Filter{}
	if list.Status != "" {
		filter.Statuses = []string{list.Status}
	}
	return h.store.Requests().FindAll(ctx, filter, storage.Page{})
}

type ListMachinesHandler struct{ store storage.Store }

func NewListMachinesHandler(store storage.Store) *ListMachinesHandler {
	return &ListMachinesHandler{store: store}
}

func (h *ListMachinesHandler) QueryName() string { return ListMachines{}.QueryName() }

func (h *ListMachinesHandler) CacheKey(query bus.Query) (string, bool) { return cacheKeyOf(query) }

func (h *ListMachinesHandler) CacheTags() []string { return []string{"machines"} }

func (h *ListMachinesHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	list, ok := query.(ListMachines)
	if !ok {
		return nil, errors.Validation("ListMachines handler received %T", query)
	}
	filter := storage.Filter{RequestID: list.RequestID}
	if list.Status != "" {
		filter.Statuses = []string{list.Status}
	}
	return h.store.Machines().FindAll(ctx, filter, storage.Page{})
}

type GetTemplateHandler struct{ resolver *templates.Resolver }

func NewGetTemplateHandler(resolver *templates.Resolver) *GetTemplateHandler {
	return &GetTemplateHandler{resolver: resolver}
}

func (h *GetTemplateHandler) QueryName() string { return GetTemplate{}.QueryName() }

func (h *GetTemplateHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	get, ok := query.(GetTemplate)
	if !ok {
		return nil, errors.Validation("GetTemplate handler received %T", query)
	}
	return h.resolver.Resolve(ctx, get.TemplateID)
}

type ListTemplatesHandler struct{ resolver *templates.Resolver }

func NewListTemplatesHandler(resolver *templates.Resolver) *ListTemplatesHandler {
	return &ListTemplatesHandler{resolver: resolver}
}

func (h *ListTemplatesHandler) QueryName() string { return ListTemplates{}.QueryName() }

func (h *ListTemplatesHandler) CacheKey(query bus.Query) (string, bool) { return cacheKeyOf(query) }

func (h *ListTemplatesHandler) CacheTags() []string { return []string{"templates"} }

func (h *ListTemplatesHandler) Handle(ctx context.Context, _ bus.Query) (interface{}, error) {
	return h.resolver.List(ctx)
}

type ProviderHealthHandler struct{ engine *providers.Context }

func NewProviderHealthHandler(engine *providers.Context) *ProviderHealthHandler {
	return &ProviderHealthHandler{engine: engine}
}

func (h *ProviderHealthHandler) QueryName() string { return ProviderHealth{}.QueryName() }

func (h *ProviderHealthHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	health, ok := query.(ProviderHealth)
	if !ok {
		return nil, errors.Validation("ProviderHealth handler received %T", query)
	}
	if health.Provider != "" {
		return h.engine.CheckHealth(ctx, health.Provider)
	}
	return h.engine.CheckHealth(ctx)
}

type ProviderMetricsHandler struct{ engine *providers.Context }

func NewProviderMetricsHandler(engine *providers.Context) *ProviderMetricsHandler {
	return &ProviderMetricsHandler{engine: engine}
}

func (h *ProviderMetricsHandler) QueryName() string { return ProviderMetrics{}.QueryName() }

func (h *ProviderMetricsHandler) Handle(_ context.Context, query bus.Query) (interface{}, error) {
	metrics, ok := query.(ProviderMetrics)
	if !ok {
		return nil, errors.Validation("ProviderMetrics handler received %T", query)
	}
	if metrics.Provider != "" {
		return h.engine.Metrics(metrics.Provider), nil
	}
	return h.engine.Metrics(), nil
}

type SystemStatusHandler struct {
	store  storage.Store
	engine *providers.Context
}

func NewSystemStatusHandler(store storage.Store, engine *providers.Context) *SystemStatusHandler {
	return &SystemStatusHandler{store: store, engine: engine}
}

func (h *SystemStatusHandler) QueryName() string { return SystemStatus{}.QueryName() }

func (h *SystemStatusHandler) Handle(ctx context.Context, _ bus.Query) (interface{}, error) {
	pending, err := h.store.Requests().FindByStatus(ctx, apis.RequestStatusPending, apis.RequestStatusInProgress)
	if err != nil {
		return nil, err
	}
	running, err := h.store.Machines().FindByStatus(ctx, apis.MachineStatusRunning, apis.MachineStatusBuilding)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"storage":         h.store.Name(),
		"storage_healthy": h.store.Health(ctx) == nil,
		"providers":       h.engine.Providers(),
		"open_requests":   len(pending),
		"active_machines": len(running),
	}, nil
}

type SetProviderEnabledHandler struct{ engine *providers.Context }

func NewSetProviderEnabledHandler(engine *providers.Context) *SetProviderEnabledHandler {
	return &SetProviderEnabledHandler{engine: engine}
}

func (h *SetProviderEnabledHandler) CommandName() string { return SetProviderEnabled{}.CommandName() }

func (h *SetProviderEnabledHandler) Handle(_ context.Context, command bus.Command) (interface{}, error) {
	set, ok := command.(SetProviderEnabled)
	if !ok {
		return nil, errors.Validation("SetProviderEnabled handler received %T", command)
	}
	if err := h.engine.SetEnabled(set.Provider, set.Enabled); err != nil {
		return nil, err
	}
	return map[string]interface{}{"provider": set.Provider, "enabled": set.Enabled}, nil
}
