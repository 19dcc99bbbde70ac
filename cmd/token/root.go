package token

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/mucore/cmd/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// TokenCmd prints a session token for manual testing
var TokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token",
	Long:  `Mint a session token signed with the shared secret of the server. The token lists a single character and can be used in a Hello message.`,
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return util.BindCommandFlags(cmd)
	},
	RunE: run,
}

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupTokenFlags(TokenCmd)
	TokenCmd.Flags().Duration("ttl", time.Hour, util.WrapString("Lifetime of the token"))
	TokenCmd.Flags().BoolP("verbose", "v", false, util.WrapString("Also print the claims of the token"))
}

func run(cmd *cobra.Command, _ []string) error {
	config := util.GetClientConfig()

	token, sessionID, err := util.MintSessionToken(config, viper.GetDuration("ttl"))
	if err != nil {
		return err
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		fmt.Printf("account:   %d\n", config.AccountID)
		fmt.Printf("session:   %d\n", sessionID)
		fmt.Printf("character: %d\n", config.CharacterID)
	}
	fmt.Println(token)
	return nil
}
