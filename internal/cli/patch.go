package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/internal/config"
	"github.com/agentsh/warden/internal/patch"
)

func newPatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Check code patches against the configured safety rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a unified diff and run a check-only apply without touching the tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadLocalConfig(configPath(cmd))
			if err != nil {
				return err
			}
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ex, err := patch.New(patch.Config{
				RepoRoot:            cfg.Patch.RepoRoot,
				AllowedPaths:        cfg.Patch.AllowedPaths,
				MaxLines:            cfg.Patch.MaxLines,
				GitBinary:           cfg.Patch.GitBinary,
				Timeout:             config.Duration(cfg.Patch.Timeout, 30*time.Second),
				RequireCleanTargets: cfg.Patch.RequireCleanTargets,
			})
			if err != nil {
				return err
			}
			res, applyErr := ex.Apply(cmd.Context(), string(b), args[0], true)
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if applyErr != nil || !res.Success {
				return &ExitError{code: ExitInvalid}
			}
			return nil
		},
	})
	return cmd
}
