package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/tool"
	"github.com/spf13/cobra"
)

func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List the capabilities the engine can invoke",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			// An in-memory database registers the same set serve would.
			cfg.Session.Store = "memory"
			a, err := newApp(cmd.Context(), cfg, log, withDatabase(":memory:"))
			if err != nil {
				return err
			}
			defer a.Close()

			return printCapabilities(cmd.OutOrStdout(), a.caps.Definitions(), a.plugins.Owner)
		},
	}
}

func printCapabilities(out io.Writer, defs []tool.Definition, owner func(string) (string, bool)) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPLUGIN\tIRREVERSIBLE\tDESCRIPTION")
	for _, d := range defs {
		plugin, ok := owner(d.Name)
		if !ok {
			plugin = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", d.Name, plugin, d.Irreversible, d.Description)
	}
	return tw.Flush()
}
