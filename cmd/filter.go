package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/filter"
)

var (
	profileFlag  string
	fileFlag     string
	memoryFlag   float64
	loadFlag     float64
	listProfiles bool

	filterCmd = &cobra.Command{
		Use:          "filter",
		Short:        "Run the specialization filter over a context file",
		Long:         longFilter,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := filter.NewRegistry(viper.GetString("filter.profilesFile"))

			if err != nil {
				return err
			}

			if listProfiles {
				return printJSON(registry.Names())
			}

			if fileFlag == "" {
				return errors.ErrValidation.WithMessagef("--file is required")
			}

			profile, err := registry.Get(profileFlag)

			if err != nil {
				return err
			}

			buf, err := os.ReadFile(fileFlag)

			if err != nil {
				return errors.ErrValidation.Wrap(err).WithMessagef("reading %s", fileFlag)
			}

			var data map[string]any

			if err := json.Unmarshal(buf, &data); err != nil {
				return errors.ErrValidation.Wrap(err).WithMessagef("%s is not a JSON object", fileFlag)
			}

			result := filter.Filter(profileFlag, profile, data, memoryFlag, loadFlag)
			result.Original = nil

			return printJSON(result)
		},
	}
)

func init() {
	rootCmd.AddCommand(filterCmd)

	filterCmd.Flags().StringVar(&profileFlag, "profile", "frontend", "specialization profile")
	filterCmd.Flags().StringVar(&fileFlag, "file", "", "JSON file holding the context")
	filterCmd.Flags().Float64Var(&memoryFlag, "memory", 0, "simulated memory pressure in [0,1]")
	filterCmd.Flags().Float64Var(&loadFlag, "load", 0, "simulated load pressure in [0,1]")
	filterCmd.Flags().BoolVar(&listProfiles, "list", false, "list the known profiles")
}

var longFilter = `
Show what an agent of a given specialization would receive for a context,
without a running service.

Examples:
  ctxsync filter --profile backend --file ctx.json
  ctxsync filter --profile frontend --file ctx.json --memory 0.9
  ctxsync filter --list
`
