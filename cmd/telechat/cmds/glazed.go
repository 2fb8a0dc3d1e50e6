package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/telechat/pkg/config"
)

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("TELECHAT",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func buildGlazedCommand(c cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
}

// buildStoreCommand also registers the store flags, which are read through viper.
func buildStoreCommand(c cmds.Command) (*cobra.Command, error) {
	cobraCmd, err := buildGlazedCommand(c)
	if err != nil {
		return nil, err
	}
	config.AddFlags(cobraCmd.Flags())
	cobraCmd.PreRunE = bindFlags
	return cobraCmd, nil
}
