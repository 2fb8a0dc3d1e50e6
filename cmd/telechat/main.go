package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/telechat/cmd/telechat/cmds"
	"github.com/go-go-golems/telechat/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "telechat",
	Short: "telechat relays Telegram chats to an OpenAI-compatible model",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		err := clay.InitLogger()
		cobra.CheckErr(err)
	},
}

func main() {
	err := clay.InitViper("telechat", rootCmd)
	cobra.CheckErr(err)
	config.ConfigureEnv(viper.GetViper())
	err = clay.InitLogger()
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewChatCommand(),
		cmds.NewHistoryCommand(),
		cmds.NewTokensCommand(),
	)

	err = rootCmd.Execute()
	cobra.CheckErr(err)
}
