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

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/app"
	"github.com/awslabs/open-resource-broker/pkg/bus"
)

// Tool is one MCP tool definition.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

func objectSchema(required []string, properties map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func builtinTools() []Tool {
	return []Tool{
		{
			Name:        "request_machines",
			Description: "Provision machines for a template",
			InputSchema: objectSchema([]string{"template_id", "count"}, map[string]interface{}{
				"template_id": map[string]interface{}{"type": "string"},
				"count":       map[string]interface{}{"type": "integer", "minimum": 1},
			}),
		},
		{
			Name:        "return_machines",
			Description: "Release machines by machine id or instance id",
			InputSchema: objectSchema([]string{"machine_references"}, map[string]interface{}{
				"machine_references": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			}),
		},
		{
			Name:        "get_request_status",
			Description: "Read a request with its machines",
			InputSchema: objectSchema([]string{"request_id"}, map[string]interface{}{
				"request_id": map[string]interface{}{"type": "string"},
			}),
		},
		{
			Name:        "cancel_request",
			Description: "Cancel a pending or in-progress request",
			InputSchema: objectSchema([]string{"request_id"}, map[string]interface{}{
				"request_id": map[string]interface{}{"type": "string"},
			}),
		},
		{
			Name:        "list_templates",
			Description: "List the merged template set",
			InputSchema: objectSchema(nil, map[string]interface{}{}),
		},
		{
			Name:        "provider_health",
			Description: "Check provider health",
			InputSchema: objectSchema(nil, map[string]interface{}{
				"provider": map[string]interface{}{"type": "string"},
			}),
		},
	}
}

func (s *Server) callTool(ctx context.Context, request *rpcRequest) *rpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return s.fail(request, codeInvalidParams, "invalid params", nil)
	}
	if !lo.ContainsBy(s.tools, func(t Tool) bool { return t.Name == params.Name }) {
		return s.fail(request, codeUnknownTool, fmt.Sprintf("unknown tool %q", params.Name), nil)
	}

	envelope, err := s.dispatch(ctx, params.Name, params.Arguments)
	if err != nil {
		return s.fail(request, codeInvalidParams, err.Error(), nil)
	}
	if !envelope.OK {
		return s.fail(request, codeToolFailure, envelope.Message, map[string]interface{}{
			"kind":      envelope.ErrorKind,
			"details":   envelope.Details,
			"retryable": envelope.Retryable,
		})
	}
	text, marshalErr := json.MarshalIndent(envelope.Value, "", "  ")
	if marshalErr != nil {
		return s.fail(request, codeToolFailure, marshalErr.Error(), nil)
	}
	return s.succeed(request, map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": string(text)}},
	})
}

func (s *Server) dispatch(ctx context.Context, tool string, arguments json.RawMessage) (bus.Envelope, error) {
	decode := func(target interface{}) error {
		if len(arguments) == 0 {
			return nil
		}
		return json.Unmarshal(arguments, target)
	}
	switch tool {
	case "request_machines":
		var command app.AcquireMachines
		if err := decode(&command); err != nil {
			return bus.Envelope{}, err
		}
		return s.bus.Dispatch(ctx, command), nil
	case "return_machines":
		var command app.ReturnMachines
		if err := decode(&command); err != nil {
			return bus.Envelope{}, err
		}
		return s.bus.Dispatch(ctx, command), nil
	case "cancel_request":
		var command app.CancelRequest
		if err := decode(&command); err != nil {
			return bus.Envelope{}, err
		}
		return s.bus.Dispatch(ctx, command), nil
	case "get_request_status":
		var query app.GetRequest
		if err := decode(&query); err != nil {
			return bus.Envelope{}, err
		}
		return s.bus.Ask(ctx, query), nil
	case "list_templates":
		return s.bus.Ask(ctx, app.ListTemplates{}), nil
	case "provider_health":
		var query app.ProviderHealth
		if err := decode(&query); err != nil {
			return bus.Envelope{}, err
		}
		return s.bus.Ask(ctx, query), nil
	}
	return bus.Envelope{}, fmt.Errorf("tool %q has no dispatch binding", tool)
}

// Resources

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

func builtinResources() []Resource {
	return []Resource{
		{URI: "orb://templates", Name: "templates", Description: "Merged template set", MimeType: "application/json"},
		{URI: "orb://requests", Name: "requests", Description: "Known requests", MimeType: "application/json"},
		{URI: "orb://machines", Name: "machines", Description: "Known machines", MimeType: "application/json"},
	}
}

func (s *Server) readResource(ctx context.Context, request *rpcRequest) *rpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return s.fail(request, codeInvalidParams, "invalid params", nil)
	}
	var envelope bus.Envelope
	switch params.URI {
	case "orb://templates":
		envelope = s.bus.Ask(ctx, app.ListTemplates{})
	case "orb://requests":
		envelope = s.bus.Ask(ctx, app.ListRequests{})
	case "orb://machines":
		envelope = s.bus.Ask(ctx, app.ListMachines{})
	default:
		return s.fail(request, codeUnknownResource, fmt.Sprintf("unknown resource %q", params.URI), nil)
	}
	if !envelope.OK {
		return s.fail(request, codeResourceFailure, envelope.Message, nil)
	}
	text, err := json.MarshalIndent(envelope.Value, "", "  ")
	if err != nil {
		return s.fail(request, codeResourceFailure, err.Error(), nil)
	}
	return s.succeed(request, map[string]interface{}{
		"contents": []map[string]interface{}{{
			"uri":      params.URI,
			"mimeType": "application/json",
			"text":     string(text),
		}},
	})
}

// Prompts

type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func builtinPrompts() []Prompt {
	return []Prompt{
		{Name: "diagnose_request", Description: "Walk through why a request did not complete"},
	}
}

func (s *Server) getPrompt(request *rpcRequest) *rpcResponse {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return s.fail(request, codeInvalidParams, "invalid params", nil)
	}
	if params.Name != "diagnose_request" {
		return s.fail(request, codeUnknownPrompt, fmt.Sprintf("unknown prompt %q", params.Name), nil)
	}
	return s.succeed(request, map[string]interface{}{
		"messages": []map[string]interface{}{{
			"role": "user",
			"content": map[string]string{
				"type": "text",
				"text": "Fetch the request with get_request_status, inspect its errors, then check provider_health for the bound provider.",
			},
		}},
	})
}
