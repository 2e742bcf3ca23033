package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/internal/config"
)

func defaultConfigPath() string {
	if v := os.Getenv("WARDEN_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"warden.yml", "warden.yaml", "/etc/warden/config.yaml", "/etc/warden/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "/etc/warden/config.yaml"
}

func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("config")
	return p
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
