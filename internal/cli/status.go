package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/pkg/types"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running warden",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cmd).Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func newIncidentsCmd() *cobra.Command {
	var containmentOnly bool
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List open incidents, or active containments with --containment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd)
			if containmentOnly {
				states, err := c.Containments(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, states)
			}
			incs, err := c.Incidents(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, incs)
		},
	}
	cmd.Flags().BoolVar(&containmentOnly, "containment", false, "List active containments instead")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "release sender|channel ID",
		Short: "Release containment on a sender or channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := types.ContainmentTarget{Type: types.TargetType(args[0]), ID: args[1]}
			if err := target.Validate(); err != nil {
				return &ExitError{code: ExitInvalid, message: err.Error()}
			}
			if err := apiClient(cmd).Release(cmd.Context(), target, by); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "release queued for %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", getenvDefault("USER", "operator"), "Name recorded as the releaser")
	return cmd
}

func newPauseCmd() *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop automatic remediation; detection and containment keep running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cmd).PauseRemediation(cmd.Context(), by, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remediation paused by %s at %s\n", st.PausedBy, st.PausedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", getenvDefault("USER", "operator"), "Name recorded as the operator")
	cmd.Flags().StringVar(&reason, "reason", "", "Why remediation is paused")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume automatic remediation after a pause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cmd).ResumeRemediation(cmd.Context(), by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remediation resumed; %d fixes were withheld\n", st.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", getenvDefault("USER", "operator"), "Name recorded as the operator")
	return cmd
}
