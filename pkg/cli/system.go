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

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/awslabs/open-resource-broker/pkg/app"
	"github.com/awslabs/open-resource-broker/pkg/config"
	"github.com/awslabs/open-resource-broker/pkg/mcp"
	"github.com/awslabs/open-resource-broker/pkg/storage"
)

func newProvidersCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "providers", Short: "Inspect and control provider instances"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return printValue(rt.flags.format, map[string]interface{}{"providers": op.Engine.Providers()})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <provider>",
		Short: "Show one provider's metrics and health",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			health := op.Bus.Ask(rt.ctx, app.ProviderHealth{Provider: args[0]})
			metrics := op.Bus.Ask(rt.ctx, app.ProviderMetrics{Provider: args[0]})
			if !health.OK {
				return rt.render(op, health)
			}
			return printValue(rt.flags.format, map[string]interface{}{
				"health":  health.Value,
				"metrics": metrics.Value,
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "health [provider]",
		Short: "Check provider health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			query := app.ProviderHealth{}
			if len(args) > 0 {
				query.Provider = args[0]
			}
			return rt.render(op, op.Bus.Ask(rt.ctx, query))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "metrics [provider]",
		Short: "Show provider metrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			query := app.ProviderMetrics{}
			if len(args) > 0 {
				query.Provider = args[0]
			}
			return rt.render(op, op.Bus.Ask(rt.ctx, query))
		},
	})

	var disable bool
	selectCmd := &cobra.Command{
		Use:   "select <provider>",
		Short: "Enable or disable a provider for selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.SetProviderEnabled{Provider: args[0], Enabled: !disable}))
		},
	}
	selectCmd.Flags().BoolVar(&disable, "disable", false, "disable instead of enable")
	cmd.AddCommand(selectCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "exec <provider>",
		Short: "Run a health-check operation against one provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Ask(rt.ctx, app.ProviderHealth{Provider: args[0]}))
		},
	})
	return cmd
}

func newSchedulerCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "scheduler", Short: "Inspect scheduler output strategies"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known strategies",
		RunE: func(_ *cobra.Command, _ []string) error {
			return printValue(rt.flags.format, map[string]interface{}{
				"strategies": []string{"default", "hostfactory", "hf"},
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active strategy",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return printValue(rt.flags.format, map[string]string{"strategy": op.Scheduler.Name()})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configured strategy",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return printValue(rt.flags.format, map[string]interface{}{"strategy": op.Scheduler.Name(), "valid": true})
		},
	})
	return cmd
}

func newStorageCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "storage", Short: "Inspect the storage port"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known storage strategies",
		RunE: func(_ *cobra.Command, _ []string) error {
			return printValue(rt.flags.format, map[string]interface{}{"strategies": storage.Strategies})
		},
	})
	for _, sub := range []struct{ use, short string }{
		{"show", "Show the active storage strategy"},
		{"validate", "Validate the storage configuration"},
		{"test", "Exercise the storage backend"},
		{"health", "Check storage health"},
		{"metrics", "Report storage counts"},
	} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			RunE: func(c *cobra.Command, _ []string) error {
				op, err := rt.broker(c)
				if err != nil {
					return err
				}
				requests, err := op.Store.Requests().FindAll(rt.ctx, storage.Filter{}, storage.Page{})
				if err != nil {
					return err
				}
				machines, err := op.Store.Machines().FindAll(rt.ctx, storage.Filter{}, storage.Page{})
				if err != nil {
					return err
				}
				return printValue(rt.flags.format, map[string]interface{}{
					"strategy": op.Store.Name(),
					"healthy":  op.Store.Health(rt.ctx) == nil,
					"requests": len(requests),
					"machines": len(machines),
				})
			},
		})
	}
	return cmd
}

func newSystemCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "system", Short: "System status and serve mode"}
	for _, sub := range []struct{ use, short string }{
		{"status", "Report broker status"},
		{"health", "Report broker health"},
		{"metrics", "Report broker counters"},
	} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			RunE: func(c *cobra.Command, _ []string) error {
				op, err := rt.broker(c)
				if err != nil {
					return err
				}
				return rt.render(op, op.Bus.Ask(rt.ctx, app.SystemStatus{}))
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the broker with its background loops until interrupted",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			op.Serve(rt.ctx)
			return nil
		},
	})
	return cmd
}

func newConfigCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			return printValue(rt.flags.format, cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "Read one configuration value by dotted path",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			value, err := configValue(cfg, args[0])
			if err != nil {
				return err
			}
			return printValue(rt.flags.format, map[string]interface{}{args[0]: value})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <path> <value>",
		Short: "Values are set by editing the config file; this prints where",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return fmt.Errorf("config is file-backed: edit the configuration file or set %s%s",
				config.EnvPrefix, "SCHEDULER_STRATEGY-style overrides")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return printValue(rt.flags.format, map[string]bool{"valid": true})
		},
	})
	return cmd
}

func configValue(cfg *config.Config, path string) (interface{}, error) {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, err
	}
	var current interface{} = generic
	for _, segment := range splitDotted(path) {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("config path %q does not resolve", path)
		}
		current, ok = obj[segment]
		if !ok {
			return nil, fmt.Errorf("config path %q does not resolve", path)
		}
	}
	return current, nil
}

func splitDotted(path string) []string {
	var segments []string
	current := ""
	for _, r := range path {
		if r == '.' {
			segments = append(segments, current)
			current = ""
			continue
		}
		current += string(r)
	}
	return append(segments, current)
}

func newMCPCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "mcp", Short: "Model Context Protocol surface"}

	tools := &cobra.Command{Use: "tools", Short: "Inspect and call MCP tools"}
	tools.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List MCP tools",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			server := mcp.NewServer(op.Bus)
			return printValue(rt.flags.format, map[string]interface{}{"tools": server.Tools()})
		},
	})
	var arguments string
	call := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call one MCP tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			server := mcp.NewServer(op.Bus)
			raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`,
				args[0], defaultJSON(arguments))
			response := server.HandleRequest(rt.ctx, []byte(raw))
			return printValue(rt.flags.format, response)
		},
	}
	call.Flags().StringVar(&arguments, "arguments", "{}", "tool arguments as JSON")
	tools.AddCommand(call)
	tools.AddCommand(&cobra.Command{
		Use:   "info <tool>",
		Short: "Show one tool's schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			server := mcp.NewServer(op.Bus)
			for _, tool := range server.Tools() {
				if tool.Name == args[0] {
					return printValue(rt.flags.format, tool)
				}
			}
			return fmt.Errorf("unknown tool %q", args[0])
		},
	})
	cmd.AddCommand(tools)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the MCP surface wiring",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			server := mcp.NewServer(op.Bus)
			return printValue(rt.flags.format, map[string]interface{}{"tools": len(server.Tools()), "valid": true})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			server := mcp.NewServer(op.Bus)
			return server.Serve(rt.ctx, os.Stdin, os.Stdout)
		},
	})
	return cmd
}

func defaultJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func newInitCommand(rt *runtime) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a starter configuration and template file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating %q, %w", dir, err)
			}
			cfg := config.Default()
			cfg.Template.Paths = []string{dir}
			cfg.Provider.Providers = []config.ProviderInstance{{
				Name:     "aws-default",
				Type:     "aws",
				Priority: 1,
				Weight:   1,
				Config:   map[string]string{"region": "us-east-1"},
			}}
			encoded, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			configPath := filepath.Join(dir, "config.json")
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}
			if err := os.WriteFile(configPath, encoded, 0o644); err != nil {
				return err
			}
			templatesPath := filepath.Join(dir, "awsprov_templates.json")
			starter := `{
  "templates": [
    {
      "template_id": "aws-basic",
      "provider_api": "fleet",
      "image_id": "ami-00000000000000000",
      "instance_type": "t3.medium",
      "subnet_ids": ["subnet-00000000"],
      "security_group_ids": ["sg-00000000"],
      "max_number": 10
    }
  ]
}
`
			if err := os.WriteFile(templatesPath, []byte(starter), 0o644); err != nil {
				return err
			}
			return printValue(rt.flags.format, map[string]string{
				"config":    configPath,
				"templates": templatesPath,
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "config", "directory to scaffold into")
	return cmd
}
