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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"

	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/providers"
)

// EnvPrefix is the only environment prefix this build reads. The legacy
// HF_ and OHFP_ prefixes are no longer honored.
const EnvPrefix = "ORB_"

// Config is the typed top-level configuration.
type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Storage    StorageConfig    `json:"storage"`
	Template   TemplateConfig   `json:"template"`
	NativeSpec NativeSpecConfig `json:"native_spec"`
	LogLevel   string           `json:"log_level"`
	DataDir    string           `json:"data_dir"`
}

type ProviderConfig struct {
	SelectionPolicy string `json:"selection_policy"`
	// HealthCheckInterval is seconds between active health checks; zero
	// disables the active loop.
	HealthCheckInterval int `json:"health_check_interval"`
	// OperationTimeout is the per-operation deadline in seconds.
	OperationTimeout  int                  `json:"operation_timeout"`
	CircuitBreaker    CircuitBreakerConfig `json:"circuit_breaker"`
	SelectionCriteria SelectionCriteria    `json:"selection_criteria"`
	Providers         []ProviderInstance   `json:"providers"`
}

type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled"`
	FailureThreshold int  `json:"failure_threshold"`
	// RecoveryTimeout is seconds before an open circuit admits trial calls.
	RecoveryTimeout  int `json:"recovery_timeout"`
	HalfOpenMaxCalls int `json:"half_open_max_calls"`
}

type SelectionCriteria struct {
	MinSuccessRate float64 `json:"min_success_rate"`
	// MaxResponseTime is seconds; zero disables the bound.
	MaxResponseTime      float64  `json:"max_response_time"`
	RequireHealthy       bool     `json:"require_healthy"`
	RequiredCapabilities []string `json:"required_capabilities"`
}

// ProviderInstance is one named, typed, configured backend.
type ProviderInstance struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Enabled      *bool             `json:"enabled"`
	Priority     int               `json:"priority"`
	Weight       int               `json:"weight"`
	Capabilities []string          `json:"capabilities"`
	Config       map[string]string `json:"config"`
	HealthCheck  map[string]string `json:"health_check"`
}

func (p ProviderInstance) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type SchedulerConfig struct {
	Strategy     string            `json:"strategy"`
	FieldMapping map[string]string `json:"field_mapping"`
	DefaultNCPUs int               `json:"default_ncpus"`
	DefaultNRAM  int               `json:"default_nram"`
	// AllowPartial lets an acquire settle as partial instead of failing and
	// cleaning up when the provider reports a capacity shortfall.
	AllowPartial bool `json:"allow_partial"`
}

type StorageConfig struct {
	// Strategy is opaque to the core; the storage port picks the
	// implementation.
	Strategy string `json:"strategy"`
}

type TemplateConfig struct {
	Paths []string `json:"paths"`
}

type NativeSpecConfig struct {
	Enabled       bool                    `json:"enabled"`
	MergeMode     string                  `json:"merge_mode"`
	Rendering     NativeSpecRendering     `json:"rendering"`
	ErrorHandling NativeSpecErrorHandling `json:"error_handling"`
}

type NativeSpecRendering struct {
	CacheSize         int  `json:"cache_size"`
	TimeoutSeconds    int  `json:"timeout_seconds"`
	MaxRecursionDepth int  `json:"max_recursion_depth"`
	EnableAutoEscape  bool `json:"enable_auto_escape"`
}

type NativeSpecErrorHandling struct {
	FallbackToLegacy bool `json:"fallback_to_legacy"`
	FailFastOnErrors bool `json:"fail_fast_on_errors"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			SelectionPolicy:     string(providers.PolicyFirstAvailable),
			HealthCheckInterval: 60,
			OperationTimeout:    600,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30,
				HalfOpenMaxCalls: 1,
			},
		},
		Scheduler: SchedulerConfig{
			Strategy:     "default",
			DefaultNCPUs: 1,
			DefaultNRAM:  1024,
		},
		Storage:  StorageConfig{Strategy: "json"},
		Template: TemplateConfig{Paths: []string{"config"}},
		NativeSpec: NativeSpecConfig{
			Enabled:   true,
			MergeMode: "extend",
			Rendering: NativeSpecRendering{
				CacheSize:         128,
				TimeoutSeconds:    30,
				MaxRecursionDepth: 10,
				EnableAutoEscape:  true,
			},
			ErrorHandling: NativeSpecErrorHandling{FallbackToLegacy: true},
		},
		LogLevel: "info",
		DataDir:  "data",
	}
}

// Load reads the configuration file, applies environment overrides and
// validates the result. JSON, YAML and TOML are accepted by extension; an
// empty path falls back to defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q, %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			// decode generically and re-encode so TOML keys match the same
			// json tags the YAML and JSON formats use
			var generic map[string]interface{}
			if err := toml.Unmarshal(raw, &generic); err != nil {
				return nil, fmt.Errorf("parsing config file %q, %w", path, err)
			}
			converted, err := yaml.Marshal(generic)
			if err != nil {
				return nil, fmt.Errorf("converting config file %q, %w", path, err)
			}
			if err := yaml.Unmarshal(converted, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %q, %w", path, err)
			}
		default:
			// sigs yaml handles both YAML and JSON
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %q, %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "SCHEDULER_STRATEGY"); v != "" {
		c.Scheduler.Strategy = v
	}
	if v := os.Getenv(EnvPrefix + "PROVIDER_SELECTION_POLICY"); v != "" {
		c.Provider.SelectionPolicy = v
	}
	if v := os.Getenv(EnvPrefix + "STORAGE_STRATEGY"); v != "" {
		c.Storage.Strategy = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "TEMPLATE_PATHS"); v != "" {
		c.Template.Paths = strings.Split(v, string(os.PathListSeparator))
	}
}

func (c *Config) Validate() error {
	var errs error
	policy := providers.SelectionPolicy(c.Provider.SelectionPolicy)
	if !lo.Contains(providers.SelectionPolicies, policy) {
		errs = multierr.Append(errs, errors.Validation(
			"provider.selection_policy %q is not one of %v", c.Provider.SelectionPolicy, providers.SelectionPolicies))
	}
	if c.Provider.HealthCheckInterval < 0 {
		errs = multierr.Append(errs, errors.Validation("provider.health_check_interval must not be negative"))
	}
	switch c.Scheduler.Strategy {
	case "", "default", "hostfactory", "hf":
	default:
		errs = multierr.Append(errs, errors.Validation("scheduler.strategy %q is not recognized", c.Scheduler.Strategy))
	}
	switch c.NativeSpec.MergeMode {
	case "", "extend", "override", "none":
	default:
		errs = multierr.Append(errs, errors.Validation("native_spec.merge_mode %q is not one of extend, override, none", c.NativeSpec.MergeMode))
	}
	names := map[string]struct{}{}
	for i, p := range c.Provider.Providers {
		if p.Name == "" {
			errs = multierr.Append(errs, errors.Validation("provider.providers[%d] has no name", i))
			continue
		}
		if _, dup := names[p.Name]; dup {
			errs = multierr.Append(errs, errors.Validation("provider name %q appears more than once", p.Name))
		}
		names[p.Name] = struct{}{}
		if p.Type == "" {
			errs = multierr.Append(errs, errors.Validation("provider %q has no type", p.Name))
		}
		if p.Weight < 0 {
			errs = multierr.Append(errs, errors.Validation("provider %q has a negative weight", p.Name))
		}
	}
	return errs
}
