package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var (
	versionJSON     bool
	versionExtended bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := map[string]string{
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
			"go_version": runtime.Version(),
		}
		if versionExtended {
			v := crucible.GetVersion()
			info["crucible"] = v.Crucible
			info["gofulmen"] = v.Gofulmen
		}
		if versionJSON {
			return writeJSONOut(cmd.OutOrStdout(), info)
		}

		out := cmd.OutOrStdout()
		name := "evalfleet"
		if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
			name = id.BinaryName
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", name, versionInfo.Version)
		_, _ = fmt.Fprintf(out, "  commit:     %s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "  built:      %s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "  go:         %s\n", info["go_version"])
		if versionExtended {
			_, _ = fmt.Fprintf(out, "  crucible:   %s\n", info["crucible"])
			_, _ = fmt.Fprintf(out, "  gofulmen:   %s\n", info["gofulmen"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
	versionCmd.Flags().BoolVar(&versionExtended, "extended", false, "Include Crucible and Gofulmen versions")
}
