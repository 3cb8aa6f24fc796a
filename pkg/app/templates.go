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

	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

// CreateTemplateHandler and the handlers below cover the template lifecycle
// commands, all backed by the resolver's managed file.
type CreateTemplateHandler struct{ resolver *templates.Resolver }

func NewCreateTemplateHandler(resolver *templates.Resolver) *CreateTemplateHandler {
	return &CreateTemplateHandler{resolver: resolver}
}

func (h *CreateTemplateHandler) CommandName() string { return CreateTemplate{}.CommandName() }

func (h *CreateTemplateHandler) InvalidationTags() []string { return []string{"templates"} }

func (h *CreateTemplateHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	create, ok := command.(CreateTemplate)
	if !ok {
		return nil, errors.Validation("CreateTemplate handler received %T", command)
	}
	if create.Template == nil {
		return nil, errors.Validation("template body is required")
	}
	if err := h.resolver.Create(ctx, create.Template); err != nil {
		return nil, err
	}
	return create.Template, nil
}

type UpdateTemplateHandler struct{ resolver *templates.Resolver }

func NewUpdateTemplateHandler(resolver *templates.Resolver) *UpdateTemplateHandler {
	return &UpdateTemplateHandler{resolver: resolver}
}

func (h *UpdateTemplateHandler) CommandName() string { return UpdateTemplate{}.CommandName() }

func (h *UpdateTemplateHandler) InvalidationTags() []string { return []string{"templates"} }

func (h *UpdateTemplateHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	update, ok := command.(UpdateTemplate)
	if !ok {
		return nil, errors.Validation("UpdateTemplate handler received %T", command)
	}
	if update.Template == nil {
		return nil, errors.Validation("template body is required")
	}
	if err := h.resolver.Update(ctx, update.Template); err != nil {
		return nil, err
	}
	return update.Template, nil
}

type DeleteTemplateHandler struct{ resolver *templates.Resolver }

func NewDeleteTemplateHandler(resolver *templates.Resolver) *DeleteTemplateHandler {
	return &DeleteTemplateHandler{resolver: resolver}
}

func (h *DeleteTemplateHandler) CommandName() string { return DeleteTemplate{}.CommandName() }

func (h *DeleteTemplateHandler) InvalidationTags() []string { return []string{"templates"} }

func (h *DeleteTemplateHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	del, ok := command.(DeleteTemplate)
	if !ok {
		return nil, errors.Validation("DeleteTemplate handler received %T", command)
	}
	if err := h.resolver.Delete(ctx, del.TemplateID); err != nil {
		return nil, err
	}
	return map[string]string{"deleted": del.TemplateID}, nil
}

type ValidateTemplateHandler struct{ resolver *templates.Resolver }

func NewValidateTemplateHandler(resolver *templates.Resolver) *ValidateTemplateHandler {
	return &ValidateTemplateHandler{resolver: resolver}
}

func (h *ValidateTemplateHandler) CommandName() string { return ValidateTemplate{}.CommandName() }

func (h *ValidateTemplateHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	validate, ok := command.(ValidateTemplate)
	if !ok {
		return nil, errors.Validation("ValidateTemplate handler received %T", command)
	}
	if err := h.resolver.Validate(ctx, validate.TemplateID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"template_id": validate.TemplateID, "valid": true}, nil
}

type RefreshTemplatesHandler struct{ resolver *templates.Resolver }

func NewRefreshTemplatesHandler(resolver *templates.Resolver) *RefreshTemplatesHandler {
	return &RefreshTemplatesHandler{resolver: resolver}
}

func (h *RefreshTemplatesHandler) CommandName() string { return RefreshTemplates{}.CommandName() }

func (h *RefreshTemplatesHandler) InvalidationTags() []string { return []string{"templates"} }

func (h *RefreshTemplatesHandler) Handle(ctx context.Context, _ bus.Command) (interface{}, error) {
	if err := h.resolver.Refresh(ctx); err != nil {
		return nil, err
	}
	refreshed, err := h.resolver.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"templates": len(refreshed)}, nil
}
