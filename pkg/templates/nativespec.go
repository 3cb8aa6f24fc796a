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

package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/imdario/mergo"
	gocache "github.com/patrickmn/go-cache"
	"sigs.k8s.io/yaml"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// RenderOptions tunes the sandboxed native-spec renderer. Rendering is a
// pure function over (spec, variables, options): no filesystem or network
// access happens inside a render.
type RenderOptions struct {
	MaxRecursionDepth int
	Timeout           time.Duration
	AutoEscape        bool
	CacheSize         int
}

func (o RenderOptions) withDefaults() RenderOptions {
	if o.MaxRecursionDepth <= 0 {
		o.MaxRecursionDepth = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Renderer substitutes request variables into native provider-API specs.
type Renderer struct {
	opts  RenderOptions
	cache *gocache.Cache
}

func NewRenderer(opts RenderOptions) *Renderer {
	return &Renderer{
		opts:  opts.withDefaults(),
		cache: gocache.New(5*time.Minute, time.Minute),
	}
}

// Variables are the substitution values available to a spec.
type Variables struct {
	RequestID      string
	TemplateID     string
	RequestedCount int
	Timestamp      time.Time
	PackageName    string
}

func (v Variables) lookup(name string) (string, bool) {
	switch name {
	case "request_id":
		return v.RequestID, true
	case "template_id":
		return v.TemplateID, true
	case "requested_count":
		return fmt.Sprintf("%d", v.RequestedCount), true
	case "timestamp":
		return v.Timestamp.UTC().Format(time.RFC3339), true
	case "package_name":
		return v.PackageName, true
	}
	return "", false
}

// Render substitutes placeholders, re-running while substituted values
// introduce further placeholders up to the configured depth. The deadline is
// enforced across passes.
func (r *Renderer) Render(spec []byte, vars Variables) ([]byte, error) {
	deadline := time.Now().Add(r.opts.Timeout)
	rendered := string(spec)
	for depth := 0; ; depth++ {
		if depth >= r.opts.MaxRecursionDepth {
			return nil, errors.Validation("native spec exceeded the max substitution depth of %d", r.opts.MaxRecursionDepth)
		}
		if time.Now().After(deadline) {
			return nil, errors.New(errors.KindTimeout, "native spec render exceeded %s", r.opts.Timeout)
		}
		var missing string
		next := placeholderPattern.ReplaceAllStringFunc(rendered, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			value, ok := vars.lookup(name)
			if !ok {
				missing = name
				return match
			}
			if r.opts.AutoEscape {
				value = escapeJSONValue(value)
			}
			return value
		})
		if missing != "" {
			return nil, errors.Validation("native spec references unknown placeholder %q", missing)
		}
		if next == rendered {
			return []byte(next), nil
		}
		rendered = next
	}
}

// escapeJSONValue escapes characters that would break out of a JSON string
// context.
func escapeJSONValue(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return replacer.Replace(s)
}

// SpecSource resolves the highest-precedence native-spec source on a
// template: inline provider_api spec, then its file variant, then the launch
// template pair. File sources are read before rendering so the renderer
// itself stays pure.
func SpecSource(template *apis.Template) ([]byte, error) {
	switch {
	case len(template.ProviderAPISpec) > 0:
		return template.ProviderAPISpec, nil
	case template.ProviderAPISpecFile != "":
		return readSpecFile(template.ProviderAPISpecFile)
	case len(template.LaunchTemplateSpec) > 0:
		return template.LaunchTemplateSpec, nil
	case template.LaunchTemplateSpecFile != "":
		return readSpecFile(template.LaunchTemplateSpecFile)
	}
	return nil, nil
}

func readSpecFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading native spec file %q, %w", path, err)
	}
	// YAML specs are folded to JSON so downstream merge and decode only ever
	// see one encoding
	converted, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("converting native spec file %q, %w", path, err)
	}
	return converted, nil
}

// MergeSpec combines a rendered spec with the payload built from legacy
// template fields. Extend keeps the legacy payload as the base and lets the
// spec override named fields; Override discards the legacy payload; None
// disables the spec path entirely.
func MergeSpec(mode apis.NativeSpecMergeMode, legacy map[string]interface{}, rendered []byte) (map[string]interface{}, error) {
	if mode == apis.MergeModeNone || len(rendered) == 0 {
		return legacy, nil
	}
	var spec map[string]interface{}
	if err := json.Unmarshal(rendered, &spec); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "native spec is not a JSON object")
	}
	if mode == apis.MergeModeOverride {
		return spec, nil
	}
	// extend: spec wins on named fields, legacy fills the rest
	if err := mergo.Merge(&spec, legacy); err != nil {
		return nil, fmt.Errorf("merging native spec, %w", err)
	}
	return spec, nil
}
