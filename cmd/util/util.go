package util

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spaolacci/murmur3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (MUCORE_<FLAG>)
	EnvPrefix = "mucore"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and makes viper read MUCORE_ environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupGatewayClientFlags adds the flags of a gateway session to a command
func SetupGatewayClientFlags(cmd *cobra.Command) {
	key := "endpoint"
	cmd.PersistentFlags().String(key, "localhost:6000", WrapString("The TCP/UDP gateway of the muCore server"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 5, WrapString("The timeout in seconds for a single request"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to try connecting"))

	SetupTokenFlags(cmd)
}

// SetupTokenFlags adds the flags needed to mint a session token
func SetupTokenFlags(cmd *cobra.Command) {
	key := "auth-secret"
	cmd.PersistentFlags().String(key, "", WrapString("The shared token secret of the server (at least 32 bytes)"))

	key = "account-id"
	cmd.PersistentFlags().Uint64(key, 1, WrapString("The account the token is issued for"))

	key = "session-id"
	cmd.PersistentFlags().Uint64(key, 0, WrapString("The session id to use, 0 picks one at random"))

	key = "character-id"
	cmd.PersistentFlags().Uint64(key, 1, WrapString("The character listed in the token"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		Endpoint:      viper.GetString("endpoint"),
		TimeoutSecond: viper.GetInt("timeout"),
		RetryCount:    viper.GetInt("retries"),
		AccountID:     viper.GetUint64("account-id"),
		SessionID:     viper.GetUint64("session-id"),
		CharacterID:   viper.GetUint64("character-id"),
		AuthSecret:    viper.GetString("auth-secret"),
		Moves:         viper.GetInt("moves"),
	}
}

// --------------------------------------------------------------------------
// Tokens
// --------------------------------------------------------------------------

// MintSessionToken signs a session token for config.AccountID listing
// config.CharacterID. A zero config.SessionID is replaced by a random id,
// the id used is returned with the token.
func MintSessionToken(config common.ClientConfig, ttl time.Duration) (string, uint64, error) {
	tokens, err := auth.NewService([]byte(config.AuthSecret), ttl)
	if err != nil {
		return "", 0, err
	}

	sessionID := config.SessionID
	for sessionID == 0 {
		sessionID = rand.Uint64()
	}

	token, err := tokens.IssueSessionToken(
		config.AccountID,
		strconv.FormatUint(sessionID, 10),
		[]auth.CharacterClaim{{
			CharacterID: config.CharacterID,
			DBID:        fmt.Sprintf("char-%d", config.CharacterID),
			Name:        fmt.Sprintf("Hero%d", config.CharacterID),
			ClassID:     1,
			Level:       1,
		}},
		auth.NowMs(),
	)
	return token, sessionID, err
}

// --------------------------------------------------------------------------
// Parsing
// --------------------------------------------------------------------------

// ParseReplicaID converts a replica name to its id. Numbers are used as is,
// any other name is hashed.
func ParseReplicaID(name string) (uint64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("replica id must not be empty")
	}
	if id, err := strconv.ParseUint(name, 10, 64); err == nil {
		if id == 0 {
			return 0, fmt.Errorf("replica id must not be 0")
		}
		return id, nil
	}
	return murmur3.Sum64([]byte(name)), nil
}

// ParseClusterMembers parses "node-1=host:port,node-2=host:port" into a map
// from replica id to raft address
func ParseClusterMembers(s string) (map[uint64]string, error) {
	members := make(map[uint64]string)
	for _, member := range strings.Split(s, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		id, err := ParseReplicaID(parts[0])
		if err != nil {
			return nil, err
		}
		if _, dup := members[id]; dup {
			return nil, fmt.Errorf("duplicate cluster member: %s", parts[0])
		}
		members[id] = strings.TrimSpace(parts[1])
	}
	return members, nil
}
