package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/footprint/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "footprint",
		Short:         "Footprint check-in map service and marker client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newMarkersCommand(),
		newCacheCommand(),
		newTokenCommand(),
		newCoupleCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("server-url", defaults.GetString("client.server_url"), "Marker API base URL used by the client")
	cmd.PersistentFlags().String("client-token", "", "Bearer token used by the client")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("client.cache_path"), "Client marker cache file")
	cmd.PersistentFlags().String("icon-dir", defaults.GetString("client.icon_dir"), "Directory for composited marker icons")

	bindPersistentFlag(cmd, "log.level", "log-level")
	bindPersistentFlag(cmd, "log.format", "log-format")
	bindPersistentFlag(cmd, "database.driver", "database-driver")
	bindPersistentFlag(cmd, "database.dsn", "database-dsn")
	bindPersistentFlag(cmd, "auth.signing_secret", "signing-secret")
	bindPersistentFlag(cmd, "client.server_url", "server-url")
	bindPersistentFlag(cmd, "client.token", "client-token")
	bindPersistentFlag(cmd, "client.cache_path", "cache-path")
	bindPersistentFlag(cmd, "client.icon_dir", "icon-dir")
}

func bindPersistentFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
