package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		if versionJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go_version": runtime.Version(),
			})
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "parsekit %s (commit %s, built %s, %s %s/%s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print JSON")
}
