package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/internal/store/sqlite"
)

func openLearningStore(cmd *cobra.Command) (*sqlite.Store, error) {
	cfg, err := loadLocalConfig(configPath(cmd))
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Learning.SQLitePath)
}

func newLearnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Manage the learning store",
	}

	fp := &cobra.Command{
		Use:     "false-positive",
		Aliases: []string{"fp"},
		Short:   "Manage known false positives (pattern names or pattern keys)",
	}

	var reason string
	add := &cobra.Command{
		Use:   "add ENTITY",
		Short: "Mark a pattern name or key as a known false positive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openLearningStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.MarkFalsePositive(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %s\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&reason, "reason", "", "Why the match is irrelevant")

	fp.AddCommand(add)
	fp.AddCommand(&cobra.Command{
		Use:   "remove ENTITY",
		Short: "Remove a false positive mark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openLearningStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			removed, err := st.RemoveFalsePositive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return &ExitError{code: ExitFailure, message: fmt.Sprintf("%s is not marked", args[0])}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})
	fp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known false positives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openLearningStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			fps, err := st.FalsePositives(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tCREATED\tREASON")
			for _, f := range fps {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Entity, f.CreatedAt.Format(time.RFC3339), f.Reason)
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(fp)

	var limit int
	fixes := &cobra.Command{
		Use:   "fixes",
		Short: "Show recent fix attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openLearningStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			recs, err := st.RecentFixes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, recs)
		},
	}
	fixes.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")
	cmd.AddCommand(fixes)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats PATTERN_KEY",
		Short: "Show attempt history and confidence for a pattern key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openLearningStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			ps, err := st.PatternStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"stats":      ps,
				"confidence": ps.SuccessRatio(0.5),
			})
		},
	})
	return cmd
}
