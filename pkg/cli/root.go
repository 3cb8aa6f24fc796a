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

// Package cli is the thin translation layer between the command line and the
// bus: each sub-command builds one command or query, dispatches it, and
// serializes the envelope through the active scheduler strategy.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/config"
	"github.com/awslabs/open-resource-broker/pkg/operator"
)

// exitCodeError carries the process exit code mandated by the scheduler
// strategy's exit-code contract.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

type globalFlags struct {
	scheduler  string
	provider   string
	format     string
	configPath string
	logLevel   string
}

type runtime struct {
	flags    globalFlags
	operator *operator.Operator
	ctx      context.Context
}

// broker builds the operator lazily so commands like `config validate` run
// without touching provider credentials.
func (r *runtime) broker(cmd *cobra.Command) (*operator.Operator, error) {
	if r.operator != nil {
		return r.operator, nil
	}
	cfg, err := r.loadConfig()
	if err != nil {
		return nil, err
	}
	ctx, err := r.commandContext(cmd, cfg)
	if err != nil {
		return nil, err
	}
	op, err := operator.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.operator = op
	r.ctx = ctx
	return op, nil
}

func (r *runtime) loadConfig() (*config.Config, error) {
	path := r.flags.configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.yml", "config.json", "config.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if r.flags.scheduler != "" {
		cfg.Scheduler.Strategy = r.flags.scheduler
	}
	if r.flags.logLevel != "" {
		cfg.LogLevel = r.flags.logLevel
	}
	return cfg, nil
}

func (r *runtime) commandContext(cmd *cobra.Command, cfg *config.Config) (context.Context, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stderr"}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger, %w", err)
	}
	return logr.NewContext(cmd.Context(), zapr.NewLogger(logger)), nil
}

// render prints an envelope and returns an exit code 1 error when the
// envelope reports a failure; it does not consult the scheduler strategy.
func (r *runtime) render(op *operator.Operator, envelope bus.Envelope) error {
	if !envelope.OK {
		if err := printValue(r.flags.format, envelope); err != nil {
			return err
		}
		return &exitCodeError{code: 1}
	}
	return printValue(r.flags.format, envelope.Value)
}

// renderRequest applies the scheduler strategy's request shaping and exit
// code contract.
func (r *runtime) renderRequest(op *operator.Operator, envelope bus.Envelope) error {
	if !envelope.OK {
		if err := printValue(r.flags.format, envelope); err != nil {
			return err
		}
		return &exitCodeError{code: 1}
	}
	result, ok := envelope.Value.(interface {
		RequestParts() (*apis.Request, []*apis.Machine)
	})
	if !ok {
		return r.render(op, envelope)
	}
	request, machines := result.RequestParts()
	if err := printValue(r.flags.format, op.Scheduler.FormatRequest(request, machines)); err != nil {
		return err
	}
	if request.Terminal() {
		if code := op.Scheduler.ExitCode(request.Status); code != 0 {
			return &exitCodeError{code: code}
		}
	}
	return nil
}

// NewRootCommand assembles the orb command tree.
func NewRootCommand() *cobra.Command {
	rt := &runtime{}
	root := &cobra.Command{
		Use:           "orb",
		Short:         "Compute-resource broker between workload schedulers and cloud backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&rt.flags.scheduler, "scheduler", "", "scheduler output strategy (default|hostfactory|hf)")
	flags.StringVar(&rt.flags.provider, "provider", "", "provider instance name (parsed, but no command reads it; operations are not pinned)")
	flags.StringVar(&rt.flags.format, "format", "json", "output format (json|yaml|table|list)")
	flags.StringVar(&rt.flags.configPath, "config", "", "path to the configuration file")
	flags.StringVar(&rt.flags.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	root.AddCommand(
		newTemplatesCommand(rt),
		newMachinesCommand(rt),
		newRequestsCommand(rt),
		newProvidersCommand(rt),
		newSchedulerCommand(rt),
		newStorageCommand(rt),
		newSystemCommand(rt),
		newConfigCommand(rt),
		newMCPCommand(rt),
		newInitCommand(rt),
	)
	return root
}

// Execute runs the CLI and maps failures onto process exit codes.
func Execute() int {
	root := NewRootCommand()
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	if coded, ok := err.(*exitCodeError); ok {
		if coded.err != nil {
			fmt.Fprintln(os.Stderr, coded.err)
		}
		return coded.code
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}
