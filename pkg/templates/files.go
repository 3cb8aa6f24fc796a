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
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"sigs.k8s.io/yaml"

	"github.com/awslabs/open-resource-broker/pkg/apis"
)

// Template file tiers, lower priority number wins on id collisions.
const (
	priorityInstance = 1
	priorityType     = 2
	priorityMain     = 3
	priorityLegacy   = 4
)

var (
	instancePattern = regexp.MustCompile(`^([a-z0-9]+)inst_templates\.(json|ya?ml)$`)
	typePattern     = regexp.MustCompile(`^([a-z0-9]+)type_templates\.(json|ya?ml)$`)
	mainPattern     = regexp.MustCompile(`^([a-z0-9]+)prov_templates\.(json|ya?ml)$`)
	// legacy flat layout, still merged but deprecated
	legacyPattern = regexp.MustCompile(`^templates\.(json|ya?ml)$`)
)

// sourceFile is one discovered template file.
type sourceFile struct {
	Path     string
	Provider string
	Priority int
	ModTime  time.Time
}

// templateFile is the on-disk schema shared by every tier.
type templateFile struct {
	Templates []map[string]interface{} `json:"templates"`
}

// discover enumerates template files under the search paths in tier order.
// Within one tier, discovery order is lexical per path; the first file
// wins on same-tier collisions.
func discover(paths []string) ([]sourceFile, error) {
	var files []sourceFile
	for _, root := range paths {
		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading template path %q, %w", root, err)
		}
		names := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
			return e.Name(), !e.IsDir()
		})
		sort.Strings(names)
		for _, name := range names {
			priority, provider := classify(name)
			if priority == 0 {
				continue
			}
			full := filepath.Join(root, name)
			info, err := os.Stat(full)
			if err != nil {
				return nil, fmt.Errorf("inspecting template file %q, %w", full, err)
			}
			files = append(files, sourceFile{
				Path:     full,
				Provider: provider,
				Priority: priority,
				ModTime:  info.ModTime(),
			})
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Priority < files[j].Priority })
	return files, nil
}

func classify(name string) (priority int, provider string) {
	if m := instancePattern.FindStringSubmatch(name); m != nil {
		return priorityInstance, m[1]
	}
	if m := typePattern.FindStringSubmatch(name); m != nil {
		return priorityType, m[1]
	}
	if m := mainPattern.FindStringSubmatch(name); m != nil {
		return priorityMain, m[1]
	}
	if legacyPattern.MatchString(name) {
		return priorityLegacy, ""
	}
	return 0, ""
}

// loadFile parses one template file, accepting JSON or YAML, normalizes the
// field names and returns the templates in file order.
func loadFile(file sourceFile) ([]*apis.Template, error) {
	raw, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %q, %w", file.Path, err)
	}
	var parsed templateFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing %q, %w", file.Path, err)
	}
	templates := make([]*apis.Template, 0, len(parsed.Templates))
	for i, entry := range parsed.Templates {
		normalized := normalizeKeys(entry)
		encoded, err := json.Marshal(normalized)
		if err != nil {
			return nil, fmt.Errorf("re-encoding template %d of %q, %w", i, file.Path, err)
		}
		template := &apis.Template{}
		if err := json.Unmarshal(encoded, template); err != nil {
			return nil, fmt.Errorf("decoding template %d of %q, %w", i, file.Path, err)
		}
		template.SourcePriority = file.Priority
		templates = append(templates, template)
	}
	return templates, nil
}

// fieldAliases maps scheduler-specific wire names onto canonical fields.
var fieldAliases = map[string]string{
	"vm_type":         "instance_type",
	"vm_types":        "instance_types",
	"image":           "image_id",
	"max_num":         "max_number",
	"subnet_id":       "subnet_ids",
	"instance_tags":   "tags",
	"key_pair":        "key_name",
	"security_groups": "security_group_ids",
}

// singularListFields accept a bare string in scheduler formats and cast to a
// one-element list.
var singularListFields = map[string]struct{}{
	"subnet_ids":         {},
	"security_group_ids": {},
	"instance_types":     {},
}

// normalizeKeys rewrites camelCase keys to snake_case recursively and folds
// known wire aliases onto canonical names.
func normalizeKeys(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		normalized := camelToSnake(key)
		if alias, ok := fieldAliases[normalized]; ok {
			normalized = alias
		}
		if nested, ok := value.(map[string]interface{}); ok {
			value = normalizeKeys(nested)
		}
		if _, ok := singularListFields[normalized]; ok {
			if s, isString := value.(string); isString {
				value = []interface{}{s}
			}
		}
		out[normalized] = value
	}
	return out
}

func camelToSnake(s string) string {
	if strings.Contains(s, "_") {
		return strings.ToLower(s)
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
