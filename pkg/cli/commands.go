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

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/app"
)

func newTemplatesCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "templates", Short: "Manage host templates"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the merged template set",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			envelope := op.Bus.Ask(rt.ctx, app.ListTemplates{})
			if !envelope.OK {
				return rt.render(op, envelope)
			}
			templates := envelope.Value.([]*apis.Template)
			return printValue(rt.flags.format, op.Scheduler.FormatTemplates(templates))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <template-id>",
		Short: "Show one template",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Ask(rt.ctx, app.GetTemplate{TemplateID: args[0]}))
		},
	})

	var templateFile string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a template in the managed template file",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			template, err := readTemplateFile(templateFile)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.CreateTemplate{Template: template}))
		},
	}
	create.Flags().StringVar(&templateFile, "file", "", "template definition file (JSON or YAML)")
	_ = create.MarkFlagRequired("file")
	cmd.AddCommand(create)

	var updateFile string
	update := &cobra.Command{
		Use:   "update",
		Short: "Update a template in the managed template file",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			template, err := readTemplateFile(updateFile)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.UpdateTemplate{Template: template}))
		},
	}
	update.Flags().StringVar(&updateFile, "file", "", "template definition file (JSON or YAML)")
	_ = update.MarkFlagRequired("file")
	cmd.AddCommand(update)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <template-id>",
		Short: "Delete a template from the managed template file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.DeleteTemplate{TemplateID: args[0]}))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <template-id>",
		Short: "Validate a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.ValidateTemplate{TemplateID: args[0]}))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Force-refresh the template cache",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.RefreshTemplates{}))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "generate <template-id>",
		Short: "Print a starter template definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printValue(rt.flags.format, &apis.Template{
				TemplateID:       args[0],
				ProviderAPI:      apis.ProviderAPIFleet,
				ImageID:          "ami-00000000000000000",
				InstanceType:     "t3.medium",
				SubnetIDs:        []string{"subnet-00000000"},
				SecurityGroupIDs: []string{"sg-00000000"},
				MaxNumber:        10,
			})
		},
	})
	return cmd
}

func readTemplateFile(path string) (*apis.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template file %q, %w", path, err)
	}
	converted, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing template file %q, %w", path, err)
	}
	template := &apis.Template{}
	if err := json.Unmarshal(converted, template); err != nil {
		return nil, fmt.Errorf("decoding template file %q, %w", path, err)
	}
	return template, nil
}

func newMachinesCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "machines", Short: "Manage provisioned machines"}

	var status, requestID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			envelope := op.Bus.Ask(rt.ctx, app.ListMachines{Status: status, RequestID: requestID})
			if !envelope.OK {
				return rt.render(op, envelope)
			}
			machines := envelope.Value.([]*apis.Machine)
			return printValue(rt.flags.format, op.Scheduler.FormatMachines(machines))
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by machine status")
	list.Flags().StringVar(&requestID, "request-id", "", "filter by owning request")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <machine-id>",
		Short: "Show one machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			envelope := op.Bus.Ask(rt.ctx, app.ListMachines{})
			if !envelope.OK {
				return rt.render(op, envelope)
			}
			for _, machine := range envelope.Value.([]*apis.Machine) {
				if machine.MachineID == args[0] || machine.InstanceID == args[0] {
					return printValue(rt.flags.format, machine)
				}
			}
			return fmt.Errorf("machine %s not found", args[0])
		},
	})

	var count int
	request := &cobra.Command{
		Use:   "request <template-id>",
		Short: "Acquire machines for a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.renderRequest(op, op.Bus.Dispatch(rt.ctx, app.AcquireMachines{TemplateID: args[0], Count: count}))
		},
	}
	request.Flags().IntVar(&count, "count", 1, "number of machines to acquire")
	cmd.AddCommand(request)

	cmd.AddCommand(&cobra.Command{
		Use:   "return <machine-ref> [machine-ref...]",
		Short: "Return machines by machine id or instance id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.renderRequest(op, op.Bus.Dispatch(rt.ctx, app.ReturnMachines{MachineRefs: args}))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Poll provider status for all active machines",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.PollMachines{}))
		},
	})
	return cmd
}

func newRequestsCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "requests", Short: "Inspect and control requests"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(c *cobra.Command, _ []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Ask(rt.ctx, app.ListRequests{Status: status}))
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by request status")
	cmd.AddCommand(list)

	show := func(use, short string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <request-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				op, err := rt.broker(c)
				if err != nil {
					return err
				}
				return rt.renderRequest(op, op.Bus.Ask(rt.ctx, app.GetRequest{RequestID: args[0]}))
			},
		}
	}
	cmd.AddCommand(show("show", "Show one request with its machines"))
	cmd.AddCommand(show("status", "Report request status in the scheduler wire shape"))

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending or in-progress request",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			op, err := rt.broker(c)
			if err != nil {
				return err
			}
			return rt.render(op, op.Bus.Dispatch(rt.ctx, app.CancelRequest{RequestID: args[0]}))
		},
	})
	return cmd
}
