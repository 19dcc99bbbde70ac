package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/mucore/cmd/serve"
	"github.com/ValentinKolb/mucore/cmd/sim"
	"github.com/ValentinKolb/mucore/cmd/status"
	"github.com/ValentinKolb/mucore/cmd/token"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "mucore",
		Short: "MMO backend core",
		Long: fmt.Sprintf(`muCore (v%s)

The backend core of a MU style MMO: a TCP/UDP and WebSocket gateway,
a world directory, one actor per map instance and a batching
persistence pipeline with an optional raft replicated sink.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of muCore",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("muCore v%s (protocol %s)\n", Version, protocol.CurrentVersion)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(sim.SimCmd)
	RootCmd.AddCommand(token.TokenCmd)
	RootCmd.AddCommand(status.StatusCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
