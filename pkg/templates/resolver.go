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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	brokercache "github.com/awslabs/open-resource-broker/pkg/cache"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/events"
)

const mergedCacheKey = "merged"

// Config tunes the resolver.
type Config struct {
	// Paths are the search roots for template files, in precedence order for
	// same-tier collisions.
	Paths []string
	// DefaultProvider prefixes the managed instance-tier file that template
	// create/update/delete commands write to.
	DefaultProvider string
	// TTL bounds how stale the merged view may get before files are
	// re-checked. Zero uses the package default.
	TTL time.Duration
}

// Resolver loads the template file hierarchy, merges it by tier priority and
// caches the merged view. The cache is single-writer multi-reader and
// refreshes are single-flighted: concurrent callers await the same reload.
type Resolver struct {
	cfg       Config
	cache     *gocache.Cache
	group     singleflight.Group
	publisher events.Publisher

	mu        sync.Mutex
	modTimes  map[string]time.Time
	collision map[string]struct{} // same-tier collisions already warned about
}

func NewResolver(cfg Config, publisher events.Publisher) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = brokercache.TemplateTTL
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "aws"
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Resolver{
		cfg:       cfg,
		cache:     gocache.New(cfg.TTL, brokercache.DefaultCleanupInterval),
		publisher: publisher,
		modTimes:  map[string]time.Time{},
		collision: map[string]struct{}{},
	}
}

// List returns the merged template set sorted by id.
func (r *Resolver) List(ctx context.Context) ([]*apis.Template, error) {
	merged, err := r.merged(ctx, false)
	if err != nil {
		return nil, err
	}
	templates := lo.Values(merged)
	sort.Slice(templates, func(i, j int) bool { return templates[i].TemplateID < templates[j].TemplateID })
	return templates, nil
}

// Resolve returns one template by id.
func (r *Resolver) Resolve(ctx context.Context, id string) (*apis.Template, error) {
	merged, err := r.merged(ctx, false)
	if err != nil {
		return nil, err
	}
	template, ok := merged[id]
	if !ok {
		return nil, errors.NotFound("template %s not found", id)
	}
	return template, nil
}

// Refresh invalidates the cache and reloads immediately.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.cache.Delete(mergedCacheKey)
	_, err := r.merged(ctx, true)
	return err
}

func (r *Resolver) merged(ctx context.Context, force bool) (map[string]*apis.Template, error) {
	if !force {
		if cached, ok := r.cache.Get(mergedCacheKey); ok && !r.filesChanged() {
			return cached.(map[string]*apis.Template), nil
		}
	}
	result, err, _ := r.group.Do(mergedCacheKey, func() (interface{}, error) {
		return r.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]*apis.Template), nil
}

// filesChanged compares file mod times against those seen at the last load.
func (r *Resolver) filesChanged() bool {
	files, err := discover(r.cfg.Paths)
	if err != nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(files) != len(r.modTimes) {
		return true
	}
	for _, f := range files {
		if seen, ok := r.modTimes[f.Path]; !ok || !seen.Equal(f.ModTime) {
			return true
		}
	}
	return false
}

func (r *Resolver) load(ctx context.Context) (map[string]*apis.Template, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("templates")
	files, err := discover(r.cfg.Paths)
	if err != nil {
		return nil, err
	}

	merged := map[string]*apis.Template{}
	modTimes := map[string]time.Time{}
	for _, file := range files {
		if file.Priority == priorityLegacy {
			log.Info("legacy templates file layout is deprecated, use the tiered layout", "file", file.Path)
		}
		modTimes[file.Path] = file.ModTime
		templates, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		for _, template := range templates {
			existing, ok := merged[template.TemplateID]
			if !ok {
				merged[template.TemplateID] = template
				continue
			}
			// lower priority number wins; same tier keeps the first
			// discovered and warns once
			if template.SourcePriority < existing.SourcePriority {
				merged[template.TemplateID] = template
			} else if template.SourcePriority == existing.SourcePriority {
				r.warnCollision(log, template.TemplateID, file.Path)
			}
		}
	}

	r.mu.Lock()
	r.modTimes = modTimes
	r.mu.Unlock()
	r.cache.SetDefault(mergedCacheKey, merged)
	return merged, nil
}

func (r *Resolver) warnCollision(log logr.Logger, id, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id + "|" + path
	if _, seen := r.collision[key]; seen {
		return
	}
	r.collision[key] = struct{}{}
	log.Info("duplicate template id within the same tier, keeping the first discovered", "template-id", id, "file", path)
}

// managedFile is the instance-tier file the template commands write to.
func (r *Resolver) managedFile() (string, error) {
	if len(r.cfg.Paths) == 0 {
		return "", errors.Validation("no template path is configured")
	}
	return filepath.Join(r.cfg.Paths[0], fmt.Sprintf("%sinst_templates.json", r.cfg.DefaultProvider)), nil
}

// Create persists a new template into the managed instance-tier file.
func (r *Resolver) Create(ctx context.Context, template *apis.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	merged, err := r.merged(ctx, false)
	if err != nil {
		return err
	}
	if _, exists := merged[template.TemplateID]; exists {
		return errors.Conflict("template %s already exists", template.TemplateID)
	}
	if err := r.mutateManaged(func(existing []*apis.Template) ([]*apis.Template, error) {
		return append(existing, template), nil
	}); err != nil {
		return err
	}
	r.publisher.Publish(ctx, apis.NewTemplateCreated(template.TemplateID))
	return r.Refresh(ctx)
}

// Update replaces a template in the managed file. Templates owned by other
// files cannot be edited in place; the update shadows them at instance tier.
func (r *Resolver) Update(ctx context.Context, template *apis.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	merged, err := r.merged(ctx, false)
	if err != nil {
		return err
	}
	if _, exists := merged[template.TemplateID]; !exists {
		return errors.NotFound("template %s not found", template.TemplateID)
	}
	if err := r.mutateManaged(func(existing []*apis.Template) ([]*apis.Template, error) {
		filtered := lo.Filter(existing, func(t *apis.Template, _ int) bool { return t.TemplateID != template.TemplateID })
		return append(filtered, template), nil
	}); err != nil {
		return err
	}
	r.publisher.Publish(ctx, apis.NewTemplateUpdated(template.TemplateID))
	return r.Refresh(ctx)
}

// Delete removes a template from the managed file.
func (r *Resolver) Delete(ctx context.Context, id string) error {
	if err := r.mutateManaged(func(existing []*apis.Template) ([]*apis.Template, error) {
		filtered := lo.Filter(existing, func(t *apis.Template, _ int) bool { return t.TemplateID != id })
		if len(filtered) == len(existing) {
			return nil, errors.NotFound("template %s not found in the managed template file", id)
		}
		return filtered, nil
	}); err != nil {
		return err
	}
	r.publisher.Publish(ctx, apis.NewTemplateDeleted(id))
	return r.Refresh(ctx)
}

// Validate checks a template by id and publishes the validation outcome.
func (r *Resolver) Validate(ctx context.Context, id string) error {
	template, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	err = template.Validate()
	r.publisher.Publish(ctx, apis.NewTemplateValidated(id, err == nil))
	return err
}

func (r *Resolver) mutateManaged(mutate func([]*apis.Template) ([]*apis.Template, error)) error {
	path, err := r.managedFile()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing []*apis.Template
	if raw, err := os.ReadFile(path); err == nil {
		var parsed struct {
			Templates []*apis.Template `json:"templates"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("parsing managed template file %q, %w", path, err)
		}
		existing = parsed.Templates
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading managed template file %q, %w", path, err)
	}

	updated, err := mutate(existing)
	if err != nil {
		return err
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].TemplateID < updated[j].TemplateID })
	raw, err := json.MarshalIndent(map[string]interface{}{"templates": updated}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding managed template file, %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating template directory, %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing managed template file, %w", err)
	}
	return os.Rename(tmp, path)
}
