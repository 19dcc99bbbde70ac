package status

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ValentinKolb/mucore/cmd/util"
	admin "github.com/ValentinKolb/mucore/rpc/transport/http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// StatusCmd prints the runtime state of a server read from its admin endpoint
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the runtime state of a muCore server",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return util.BindCommandFlags(cmd)
	},
	RunE: run,
}

func init() {
	cobra.OnInitialize(util.InitConfig)

	key := "admin-endpoint"
	StatusCmd.Flags().String(key, "localhost:6080", util.WrapString("The admin HTTP endpoint of the server"))
	key = "timeout"
	StatusCmd.Flags().Int(key, 5, util.WrapString("The timeout in seconds of a request"))
	key = "retries"
	StatusCmd.Flags().Int(key, 3, util.WrapString("How many times to retry a request"))
}

func run(_ *cobra.Command, _ []string) error {
	c, err := admin.NewAdminClient(
		viper.GetString("admin-endpoint"),
		time.Duration(viper.GetInt("timeout"))*time.Second,
		viper.GetInt("retries"),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}
	maps, err := c.Maps()
	if err != nil {
		return err
	}
	metrics, err := c.Persistence()
	if err != nil {
		return err
	}

	field := func(name string, value any) { fmt.Printf("  %-22s: %v\n", name, value) }

	fmt.Println("RUNTIME")
	field("Online Maps", stats.OnlineMaps)
	field("Sessions In Maps", stats.ActiveSessionsInMaps)
	field("Pending Transfers", stats.ActiveTransfers)

	fmt.Println("\nPERSISTENCE")
	field("Queue Depth", metrics.QueueDepth)
	field("Pending Snapshots", metrics.PendingNonCritical)
	field("Flushes", fmt.Sprintf("%d (%d records)", metrics.FlushCount, metrics.FlushedRecords))
	field("Critical Events", metrics.CriticalCount)
	field("Errors", metrics.ErrorCount)
	field("Last Flush", fmt.Sprintf("%d ms", metrics.LastFlushDurationMs))

	fmt.Println("\nMAPS")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ROUTE\tNAME\tSTATE\tPLAYERS\tMONSTERS\tDEGRADATION\tTICK P95")
	for _, m := range maps {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d\t%d\t%d\t%dµs\n",
			m.Route, m.MapName, m.State, m.CurrentPlayers, m.SoftPlayerCap,
			m.MonsterCount, m.MonsterDegradationLevel, m.PlayerTickP95Us)
	}
	return w.Flush()
}
