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

// Package scheduler shapes internal aggregates into the wire representation
// the calling workload scheduler expects. Wire field names live here and
// nowhere else; the domain and the bus envelope never see them.
package scheduler

import (
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

// Strategy is the output adapter port. Given the same internal state, every
// method returns a structurally identical value across invocations so
// serialized output stays byte-equal.
type Strategy interface {
	Name() string
	FormatTemplates(templates []*apis.Template) interface{}
	FormatRequest(request *apis.Request, machines []*apis.Machine) interface{}
	FormatMachines(machines []*apis.Machine) interface{}
	// ExitCode maps a terminal request status to a process exit code for
	// process-invocation surfaces.
	ExitCode(status apis.RequestStatus) int
}

// New resolves a strategy by configured name. "hf" is an alias for
// hostfactory.
func New(name string, opts ...Option) (Strategy, error) {
	cfg := options{defaultNCPUs: 1, defaultNRAM: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch name {
	case "", "default":
		return &DefaultStrategy{}, nil
	case "hostfactory", "hf":
		return &HostFactoryStrategy{opts: cfg}, nil
	default:
		return nil, errors.Validation("unknown scheduler strategy %q, expected default or hostfactory", name)
	}
}

type options struct {
	fieldMapping map[string]string
	defaultNCPUs int
	defaultNRAM  int
}

type Option func(*options)

// WithFieldMapping overrides wire-field renames on strategies that support
// remapping.
func WithFieldMapping(mapping map[string]string) Option {
	return func(o *options) { o.fieldMapping = mapping }
}

// WithAttributeDefaults sets the fallback host attributes synthesized for
// instance types missing from the capability table.
func WithAttributeDefaults(ncpus, nramMiB int) Option {
	return func(o *options) {
		o.defaultNCPUs = ncpus
		o.defaultNRAM = nramMiB
	}
}
