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
	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/handlers"
	"github.com/awslabs/open-resource-broker/pkg/providers"
	"github.com/awslabs/open-resource-broker/pkg/storage"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

// Options carries the policy knobs the application handlers honor.
type Options struct {
	AllowPartial    bool
	CleanupOnCancel bool
}

// Register is the explicit registration table: every handler declares the
// message type it serves, and this binds all of them onto the bus at
// startup.
func Register(b *bus.Bus, store storage.Store, resolver *templates.Resolver, dispatcher *handlers.Dispatcher, engine *providers.Context, opts Options) {
	for _, handler := range []bus.CommandHandler{
		NewAcquireHandler(store, resolver, dispatcher, opts.AllowPartial),
		NewReturnHandler(store, dispatcher),
		NewCancelHandler(store, dispatcher, opts.CleanupOnCancel),
		NewPollHandler(store, dispatcher),
		NewCreateTemplateHandler(resolver),
		NewUpdateTemplateHandler(resolver),
		NewDeleteTemplateHandler(resolver),
		NewValidateTemplateHandler(resolver),
		NewRefreshTemplatesHandler(resolver),
		NewSetProviderEnabledHandler(engine),
	} {
		b.RegisterCommandHandler(handler, false)
	}
	for _, handler := range []bus.QueryHandler{
		NewGetRequestHandler(store),
		NewListRequestsHandler(store),
		NewListMachinesHandler(store),
		NewGetTemplateHandler(resolver),
		NewListTemplatesHandler(resolver),
		NewProviderHealthHandler(engine),
		NewProviderMetricsHandler(engine),
		NewSystemStatusHandler(store, engine),
	} {
		b.RegisterQueryHandler(handler, false)
	}
}
