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

import "github.com/awslabs/open-resource-broker/pkg/apis"

// Commands

type AcquireMachines struct {
	TemplateID string `json:"template_id"`
	Count      int    `json:"count"`
}

func (AcquireMachines) CommandName() string { return "AcquireMachines" }

type ReturnMachines struct {
	// MachineRefs are machine ids or provider instance ids.
	MachineRefs []string `json:"machine_references"`
}

func (ReturnMachines) CommandName() string { return "ReturnMachines" }

type CancelRequest struct {
	RequestID string `json:"request_id"`
}

func (CancelRequest) CommandName() string { return "CancelRequest" }

type PollMachines struct{}

func (PollMachines) CommandName() string { return "PollMachines" }

type CreateTemplate struct {
	Template *apis.Template `json:"template"`
}

func (CreateTemplate) CommandName() string { return "CreateTemplate" }

type UpdateTemplate struct {
	Template *apis.Template `json:"template"`
}

func (UpdateTemplate) CommandName() string { return "UpdateTemplate" }

type DeleteTemplate struct {
	TemplateID string `json:"template_id"`
}

func (DeleteTemplate) CommandName() string { return "DeleteTemplate" }

type ValidateTemplate struct {
	TemplateID string `json:"template_id"`
}

func (ValidateTemplate) CommandName() string { return "ValidateTemplate" }

type RefreshTemplates struct{}

func (RefreshTemplates) CommandName() string { return "RefreshTemplates" }

type SetProviderEnabled struct {
	Provider string `json:"provider"`
	Enabled  bool   `json:"enabled"`
}

func (SetProviderEnabled) CommandName() string { return "SetProviderEnabled" }

// Queries

type GetRequest struct {
	RequestID string `json:"request_id"`
}

func (GetRequest) QueryName() string { return "GetRequest" }

type ListRequests struct {
	Status string `json:"status,omitempty"`
}

func (ListRequests) QueryName() string { return "ListRequests" }

type GetTemplate struct {
	TemplateID string `json:"template_id"`
}

func (GetTemplate) QueryName() string { return "GetTemplate" }

type ListTemplates struct{}

func (ListTemplates) QueryName() string { return "ListTemplates" }

type ListMachines struct {
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (ListMachines) QueryName() string { return "ListMachines" }

type ProviderHealth struct {
	Provider string `json:"provider,omitempty"`
}

func (ProviderHealth) QueryName() string { return "ProviderHealth" }

type ProviderMetrics struct {
	Provider string `json:"provider,omitempty"`
}

func (ProviderMetrics) QueryName() string { return "ProviderMetrics" }

type SystemStatus struct{}

func (SystemStatus) QueryName() string { return "SystemStatus" }

// Results

// RequestResult pairs a request with its machines for the output adapters.
type RequestResult struct {
	Request  *apis.Request  `json:"request"`
	Machines []*apis.Machine `json:"machines"`
	// AlreadyTerminal reports an idempotent cancel against a terminal
	// request.
	AlreadyTerminal bool `json:"already_terminal,omitempty"`
}

// RequestParts exposes the pair for output adapters.
func (r *RequestResult) RequestParts() (*apis.Request, []*apis.Machine) {
	return r.Request, r.Machines
}
