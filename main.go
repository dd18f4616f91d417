package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"wuzapi-bitrix-integration/config"
	"wuzapi-bitrix-integration/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Bitrix24 and WhatsApp (wuzapi) integration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			loaded, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger.InitLogger(loaded.LogLevel, loaded.LogFormat)
			*cfg = *loaded
			return nil
		},
	}

	root.AddCommand(
		newServeCommand(cfg),
		newDispatchCommand(cfg),
		newMigrateCommand(cfg),
		newRebindCommand(cfg),
		newEnqueueCommand(cfg),
		newForgetTokenCommand(cfg),
	)
	return root
}
