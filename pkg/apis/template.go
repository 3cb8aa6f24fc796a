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

package apis

import (
	"encoding/json"
	"regexp"

	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker/pkg/errors"
)

// ProviderAPI selects the provisioning handler a template dispatches through.
type ProviderAPI string

const (
	ProviderAPIFleet        ProviderAPI = "fleet"
	ProviderAPIScalingGroup ProviderAPI = "asg"
	ProviderAPISpotFleet    ProviderAPI = "spotfleet"
	ProviderAPIRunInstances ProviderAPI = "runinstances"
)

var ValidProviderAPIs = []ProviderAPI{ProviderAPIFleet, ProviderAPIScalingGroup, ProviderAPISpotFleet, ProviderAPIRunInstances}

// NativeSpecMergeMode controls how a native provider-API spec combines with
// legacy template fields.
type NativeSpecMergeMode string

const (
	MergeModeExtend   NativeSpecMergeMode = "extend"
	MergeModeOverride NativeSpecMergeMode = "override"
	MergeModeNone     NativeSpecMergeMode = "none"
)

var templateIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// IntRange bounds an attribute for attribute-based instance selection. Max of
// zero means unbounded.
type IntRange struct {
	Min int32 `json:"min,omitempty"`
	Max int32 `json:"max,omitempty"`
}

// InstanceRequirements describes desired hosts by attribute ranges instead of
// enumerating concrete instance types. When present on a template, enumerated
// instance types are ignored at dispatch time.
type InstanceRequirements struct {
	VCPUCount             IntRange `json:"vcpu_count"`
	MemoryMiB             IntRange `json:"memory_mib"`
	AllowedInstanceTypes  []string `json:"allowed_instance_types,omitempty"`
	ExcludedInstanceTypes []string `json:"excluded_instance_types,omitempty"`
	InstanceGenerations   []string `json:"instance_generations,omitempty"`
	BurstablePerformance  string   `json:"burstable_performance,omitempty"`
}

// Template is the immutable description of a desired host. Templates are
// loaded from the template file hierarchy and mutated only through explicit
// template commands.
type Template struct {
	TemplateID       string            `json:"template_id"`
	ProviderAPI      ProviderAPI       `json:"provider_api,omitempty"`
	ProviderName     string            `json:"provider_name,omitempty"`
	ImageID          string            `json:"image_id,omitempty"`
	InstanceType     string            `json:"instance_type,omitempty"`
	InstanceTypes    []string          `json:"instance_types,omitempty"`
	SubnetIDs        []string          `json:"subnet_ids,omitempty"`
	SecurityGroupIDs []string          `json:"security_group_ids,omitempty"`
	KeyName          string            `json:"key_name,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	MaxNumber        int               `json:"max_number,omitempty"`

	InstanceRequirements *InstanceRequirements `json:"abis_instance_requirements,omitempty"`

	// Native-spec overrides, highest precedence first. Inline specs win over
	// file references; provider_api specs win over launch_template specs.
	ProviderAPISpec        json.RawMessage `json:"provider_api_spec,omitempty"`
	ProviderAPISpecFile    string          `json:"provider_api_spec_file,omitempty"`
	LaunchTemplateSpec     json.RawMessage `json:"launch_template_spec,omitempty"`
	LaunchTemplateSpecFile string          `json:"launch_template_spec_file,omitempty"`

	// SourcePriority records which file tier supplied this template during
	// merge. Lower wins. Not serialized back out.
	SourcePriority int `json:"-"`
}

// EffectiveAPI returns the handler key, defaulting to fleet when the
// template does not name one.
func (t *Template) EffectiveAPI() ProviderAPI {
	if t.ProviderAPI == "" {
		return ProviderAPIFleet
	}
	return t.ProviderAPI
}

// EnumeratedTypes returns the concrete instance types named by the template,
// folding the singular field into the plural one.
func (t *Template) EnumeratedTypes() []string {
	if len(t.InstanceTypes) > 0 {
		return t.InstanceTypes
	}
	if t.InstanceType != "" {
		return []string{t.InstanceType}
	}
	return nil
}

// HasNativeSpec reports whether any native-spec source is set.
func (t *Template) HasNativeSpec() bool {
	return len(t.ProviderAPISpec) > 0 || t.ProviderAPISpecFile != "" ||
		len(t.LaunchTemplateSpec) > 0 || t.LaunchTemplateSpecFile != ""
}

// Validate checks the template for client-side fixable problems. All problems
// are reported at once.
func (t *Template) Validate() error {
	var errs error
	if t.TemplateID == "" {
		errs = multierr.Append(errs, errors.Validation("template_id is required"))
	} else if !templateIDPattern.MatchString(t.TemplateID) {
		errs = multierr.Append(errs, errors.Validation("template_id %q is not a valid identifier", t.TemplateID))
	}
	if t.ProviderAPI != "" && !containsAPI(ValidProviderAPIs, t.ProviderAPI) {
		errs = multierr.Append(errs, errors.Validation("provider_api %q is not one of %v", t.ProviderAPI, ValidProviderAPIs))
	}
	if t.ImageID == "" && !t.HasNativeSpec() {
		errs = multierr.Append(errs, errors.Validation("image_id is required when no native spec is set"))
	}
	if t.MaxNumber < 0 {
		errs = multierr.Append(errs, errors.Validation("max_number must not be negative"))
	}
	if r := t.InstanceRequirements; r != nil {
		if r.VCPUCount.Min <= 0 {
			errs = multierr.Append(errs, errors.Validation("abis_instance_requirements.vcpu_count.min must be positive"))
		}
		if r.VCPUCount.Max != 0 && r.VCPUCount.Max < r.VCPUCount.Min {
			errs = multierr.Append(errs, errors.Validation("abis_instance_requirements.vcpu_count max is below min"))
		}
		if r.MemoryMiB.Min <= 0 {
			errs = multierr.Append(errs, errors.Validation("abis_instance_requirements.memory_mib.min must be positive"))
		}
		if r.MemoryMiB.Max != 0 && r.MemoryMiB.Max < r.MemoryMiB.Min {
			errs = multierr.Append(errs, errors.Validation("abis_instance_requirements.memory_mib max is below min"))
		}
	}
	return errs
}

func containsAPI(apis []ProviderAPI, api ProviderAPI) bool {
	for _, a := range apis {
		if a == api {
			return true
		}
	}
	return false
}
