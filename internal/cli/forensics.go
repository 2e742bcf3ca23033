package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/internal/audit"
)

func newForensicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forensics",
		Short: "Inspect forensic record files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [FILE...]",
		Short: "Verify the HMAC chain of forensic files (default: every file in forensics.dir)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadLocalConfig(configPath(cmd))
			if err != nil {
				return err
			}
			if !cfg.Forensics.IntegrityEnabled() {
				return &ExitError{code: ExitInvalid, message: "forensics integrity is not configured"}
			}
			key, err := audit.LoadKey(cfg.Forensics.IntegrityKeyFile, cfg.Forensics.IntegrityKeyEnv)
			if err != nil {
				return err
			}
			files := args
			if len(files) == 0 {
				files, err = filepath.Glob(filepath.Join(cfg.Forensics.Dir, "*.jsonl*"))
				if err != nil {
					return err
				}
				sort.Strings(files)
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no forensic files")
				return nil
			}

			broken := 0
			for _, f := range files {
				res, err := audit.VerifyFile(f, key, cfg.Forensics.IntegrityAlgorithm)
				switch {
				case errors.Is(err, audit.ErrChainBroken):
					broken++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", f, err)
				case err != nil:
					return err
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "ok   %s: %d entries (seq %d..%d)\n", f, res.Entries, res.FirstSequence, res.LastSequence)
				}
			}
			if broken > 0 {
				return &ExitError{code: ExitInvalid, message: fmt.Sprintf("%d of %d files failed verification", broken, len(files))}
			}
			return nil
		},
	})
	return cmd
}
