package sim

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/mucore/cmd/util"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/client"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/transport/tcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	simClients = 1
	simCSV     = ""

	// SimCmd drives simulated sessions against a running server
	SimCmd = &cobra.Command{
		Use:     "sim",
		Short:   "Simulate player sessions against a muCore server",
		Long:    `Simulate player sessions against a muCore server. Every session mints its own token with the shared secret, enters a map, moves, chats and logs out. A summary with round trip times is printed at the end.`,
		Args:    cobra.NoArgs,
		PreRunE: processSimConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupGatewayClientFlags(SimCmd)

	key := "moves"
	SimCmd.Flags().Int(key, 20, util.WrapString("Number of Move inputs every session sends"))
	key = "clients"
	SimCmd.Flags().Int(key, 1, util.WrapString("Number of concurrent sessions. Session and character ids are counted up from the configured ones"))
	key = "csv"
	SimCmd.Flags().String(key, "", util.WrapString("Optional path to save per session results as CSV"))
}

func processSimConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	simClients = viper.GetInt("clients")
	simCSV = viper.GetString("csv")
	if simClients < 1 {
		return fmt.Errorf("clients must be at least 1")
	}
	return common.InitLoggers("warn")
}

// --------------------------------------------------------------------------
// Simulation
// --------------------------------------------------------------------------

// result is the outcome of one simulated session
type result struct {
	sessionID   uint64
	characterID uint64
	route       protocol.RouteKey
	moves       int
	rateLimited int
	chat        bool
	duration    time.Duration
	latency     *client.LatencyHistogram
	err         error
}

func run(_ *cobra.Command, _ []string) error {
	config := util.GetClientConfig()

	fmt.Println("muCore session simulator")
	fmt.Println(config.String())
	fmt.Printf("  %-22s: %d\n\n", "Clients", simClients)

	start := time.Now()
	results := make([]result, simClients)
	var wg sync.WaitGroup
	for i := 0; i < simClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = runSession(config, i)
		}(i)
	}
	wg.Wait()

	printSummary(results, time.Since(start))

	if simCSV != "" {
		if err := writeResultsToCSV(simCSV, results); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", simCSV)
	}

	for _, r := range results {
		if r.err != nil {
			return fmt.Errorf("%d of %d sessions failed", countFailed(results), len(results))
		}
	}
	return nil
}

// runSession plays Hello, SelectCharacter, MapTransferAck, the moves, one chat line and Logout
func runSession(config common.ClientConfig, index int) result {
	start := time.Now()

	config.CharacterID += uint64(index)
	if config.SessionID != 0 {
		config.SessionID += uint64(index)
	}
	token, sessionID, err := util.MintSessionToken(config, time.Hour)
	if err != nil {
		return result{err: err, latency: client.NewLatencyHistogram()}
	}
	config.SessionID = sessionID
	r := result{sessionID: sessionID, characterID: config.CharacterID}

	c, err := client.NewGameClient(config, tcp.NewGatewayClientTransport(protocol.DefaultWireCodec()))
	if err != nil {
		r.err = fmt.Errorf("connect: %w", err)
		r.latency = client.NewLatencyHistogram()
		return r
	}
	defer c.Close()
	r.latency = c.Latency()

	fail := func(step string, err error) result {
		r.err = fmt.Errorf("%s: %w", step, err)
		r.duration = time.Since(start)
		client.Logger.Warningf("session %d failed: %v", sessionID, r.err)
		return r
	}

	if _, err := c.Hello(config.AccountID, token); err != nil {
		return fail("hello", err)
	}
	transfer, err := c.SelectCharacter(config.CharacterID)
	if err != nil {
		return fail("select character", err)
	}
	enter, err := c.AckTransfer(transfer)
	if err != nil {
		return fail("transfer ack", err)
	}
	r.route = c.Route()

	for i := 0; i < config.Moves; i++ {
		x := enter.X + uint16(i%8)
		y := enter.Y + uint16((i/8)%8)
		_, err := c.Move(uint32(i+1), x, y)
		var re *client.ReplyError
		switch {
		case err == nil:
			r.moves++
		case errors.As(err, &re) && re.Kind == protocol.ErrKindRateLimited:
			r.rateLimited++
		default:
			return fail("move", err)
		}
	}

	if _, err := c.Chat(fmt.Sprintf("hello from session %d", sessionID)); err != nil {
		return fail("chat", err)
	}
	r.chat = true

	if err := c.Logout(); err != nil {
		return fail("logout", err)
	}
	r.duration = time.Since(start)
	return r
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

func countFailed(results []result) int {
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
		}
	}
	return failed
}

func printSummary(results []result, elapsed time.Duration) {
	all := client.NewLatencyHistogram()
	moves, limited := 0, 0
	for _, r := range results {
		all.Merge(r.latency)
		moves += r.moves
		limited += r.rateLimited
		if r.err != nil {
			fmt.Printf("session %d: %v\n", r.sessionID, r.err)
		}
	}

	stats := all.Summary()
	field := func(name, value string) { fmt.Printf("  %-22s: %s\n", name, value) }

	fmt.Println("\nSUMMARY")
	field("Sessions", fmt.Sprintf("%d ok, %d failed", len(results)-countFailed(results), countFailed(results)))
	field("Moves", fmt.Sprintf("%d (%d rate limited)", moves, limited))
	field("Round Trips", strconv.Itoa(all.GetCount()))
	field("RTT mean/min/max", fmt.Sprintf("%.2f / %.2f / %.2f ms", stats.Mean, stats.Min, stats.Max))
	field("RTT std deviation", fmt.Sprintf("%.2f ms", stats.StdDeviation))
	field("RTT p50/p95/p99", fmt.Sprintf("<= %s / %s / %s",
		all.GetPercentileEstimate(50), all.GetPercentileEstimate(95), all.GetPercentileEstimate(99)))
	field("Duration", elapsed.Round(time.Millisecond).String())
}

// writeResultsToCSV writes one row per session
func writeResultsToCSV(csvPath string, results []result) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"SessionID", "CharacterID", "Route", "Moves", "RateLimited", "Chat", "RoundTrips", "MeanRTTms", "MaxRTTms", "Duration", "Error"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		stats := r.latency.Summary()
		errText := ""
		if r.err != nil {
			errText = r.err.Error()
		}
		row := []string{
			strconv.FormatUint(r.sessionID, 10),
			strconv.FormatUint(r.characterID, 10),
			r.route.String(),
			strconv.Itoa(r.moves),
			strconv.Itoa(r.rateLimited),
			strconv.FormatBool(r.chat),
			strconv.Itoa(r.latency.GetCount()),
			fmt.Sprintf("%.3f", stats.Mean),
			fmt.Sprintf("%.3f", stats.Max),
			r.duration.String(),
			errText,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for session %d: %v", r.sessionID, err)
		}
	}
	return nil
}
