package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/beatbridge/internal/output/modules"
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List the output modules and whether the configuration enables them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "loading config")
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION\tENABLED")
		for _, def := range modules.All() {
			fmt.Fprintf(w, "%s\t%s\t%v\n", def.ConfigName, def.PrettyName, cfg.Output(def.ConfigName).Enabled())
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "beatbridge", version)
	},
}

func init() {
	RootCmd.AddCommand(outputsCmd, versionCmd)
}
