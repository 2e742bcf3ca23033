package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/internal/patterns"
)

func newPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect pattern descriptors",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [FILE]",
		Short: "Load and validate a pattern file (default: patterns.file from config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadLocalConfig(configPath(cmd))
				if err != nil {
					return err
				}
				path = cfg.Patterns.File
			}
			if path == "" {
				return &ExitError{code: ExitInvalid, message: "no pattern file given and patterns.file is not configured"}
			}
			set, err := patterns.LoadFile(path)
			if err != nil {
				return &ExitError{code: ExitInvalid, message: err.Error()}
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tACTION\tTIER\tSTRATEGY")
			for _, d := range set.All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Kind, d.Action, patterns.TierFor(d.Priority.Score()), d.FixStrategy)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d patterns\n", set.Len())
			return nil
		},
	})
	return cmd
}
