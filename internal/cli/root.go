// Package cli implements the warden command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/internal/client"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "warden",
		Short:         "warden: self-healing and incident containment daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("warden {{.Version}}\n")

	cmd.PersistentFlags().String("config", "", "Path to config YAML (default: $WARDEN_CONFIG, ./warden.yml, or /etc/warden/config.yaml)")
	cmd.PersistentFlags().String("server", getenvDefault("WARDEN_SERVER", "http://127.0.0.1:8080"), "warden ops API base URL")
	cmd.PersistentFlags().String("api-key", getenvDefault("WARDEN_API_KEY", ""), "API key for the ops API")
	cmd.PersistentFlags().String("api-key-header", getenvDefault("WARDEN_API_KEY_HEADER", "X-API-Key"), "Header carrying the API key")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReleaseCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newIncidentsCmd())
	cmd.AddCommand(newPatternsCmd())
	cmd.AddCommand(newPatchCmd())
	cmd.AddCommand(newForensicsCmd())
	cmd.AddCommand(newLearnCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func apiClient(cmd *cobra.Command) *client.Client {
	flags := cmd.Root().PersistentFlags()
	server, _ := flags.GetString("server")
	key, _ := flags.GetString("api-key")
	header, _ := flags.GetString("api-key-header")
	if server == "" {
		server = "http://127.0.0.1:8080"
	}
	return client.New(server, key).WithHeader(header)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
