package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	// defaultServerURL matches the default api.host and api.port.
	defaultServerURL = "http://127.0.0.1:8380"

	configEnv = "WEARLINK_CONFIG"
	serverEnv = "WEARLINK_SERVER"
	tokenEnv  = "WEARLINK_TOKEN"
)

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	server string
	token  string
}

func newRootCmd() *cobra.Command {
	flags := &clientFlags{}

	root := &cobra.Command{
		Use:   "wearlink",
		Short: "WearLink Core wearable device bridge",
		Long: `WearLink Core bridges paired wearables to host applications.

Run "wearlink serve" to start the bridge. The other commands talk to a
running bridge over its HTTP API:

  Server: --server http://host:port (or WEARLINK_SERVER)
  Token:  --token <jwt> (or WEARLINK_TOKEN), needed when the server has
          security.jwt.secret set`,
		Version:       version + " (" + commit + ", " + date + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.server, "server", envOr(serverEnv, defaultServerURL), "Base URL of the WearLink API")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv(tokenEnv), "Bearer token for the WearLink API")

	root.AddCommand(
		newServeCmd(),
		newTokenCmd(),
		newInitCmd(flags),
		newShutdownCmd(flags),
		newStoreCmd(flags),
		newDevicesCmd(flags),
		newOpenCmd(flags),
		newSendCmd(flags),
		newHistoryCmd(flags),
		newWatchCmd(flags),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
