package cli

import (
	"github.com/spf13/cobra"

	"github.com/stackdrift/stackctl/internal/config"
	"github.com/stackdrift/stackctl/internal/envvars"
	"github.com/stackdrift/stackctl/internal/planner"
)

// addVarFlags registers the shared --vars/--var-file flags on a command.
func addVarFlags(cmd *cobra.Command) {
	cmd.Flags().String("vars", "", "Additional variables in k=v,k2=v2 format")
	cmd.Flags().String("var-file", "", "Path to .env-style file with additional variables")
}

// loadTopologyAndPlan loads the topology with variables from the command's
// flags and computes its execution plan. Failures carry the spec-error exit code.
func loadTopologyAndPlan(cmd *cobra.Command, opts *Options) (*config.Topology, *planner.ExecutionPlan, error) {
	inlineVars, err := envvars.ParseInline(cmd.Flag("vars").Value.String())
	if err != nil {
		return nil, nil, specError(err)
	}

	var varFiles []string
	if vf := cmd.Flag("var-file").Value.String(); vf != "" {
		varFiles = append(varFiles, vf)
	}

	topo, err := config.Load(opts.SpecPath, config.LoadOptions{
		UserVars: inlineVars,
		VarFiles: varFiles,
	})
	if err != nil {
		return nil, nil, specError(err)
	}

	plan, err := planner.Plan(topo)
	if err != nil {
		return nil, nil, specError(err)
	}
	return topo, plan, nil
}

// resolveSettings loads STACKCTL_* settings and applies flag overrides.
func resolveSettings(opts *Options) (config.Settings, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return config.Settings{}, err
	}
	if opts.StatePath != "" {
		settings.StatePath = opts.StatePath
	}
	return settings, nil
}
