// Command authsession-demo runs the demo API in-process and shows a session
// surviving a mass token expiry with a single refresh.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version can be set during build with -ldflags
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "authsession-demo",
	Short: "Demonstrate single-flight token refresh with request replay",
	Long: `authsession-demo starts a small protected API on localhost, logs in,
revokes every access token on the server and then fires concurrent requests.
All of them fail with 401, exactly one refresh runs, and every request is
replayed with the new token.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = version
	rootCmd.AddCommand(newRunCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
