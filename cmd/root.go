package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"initsync/cmd/clone"
	"initsync/cmd/configprint"
	"initsync/cmd/version"
	"initsync/internal/config"
	"initsync/pkg/log"
)

var cfgFile string

const (
	CFG_FLAG_NAME = "config"
)

var RootCmd = &cobra.Command{
	Use:   "initsync",
	Short: "initsync copies every database from a sync source onto a new replica set member",
	Long: `initsync performs the data cloning phase of initial sync. It connects to a sync
source, enumerates its databases, clones them onto the local node one at a time
and validates the cloned admin database before reporting the attempt.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() {
	err := RootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func SetVersionInfo(v, c, d, b string) {
	version.SetVersionInfo(v, c, d, b)
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&cfgFile, CFG_FLAG_NAME, "c", "", "path to config file")

	_ = viper.BindPFlag(CFG_FLAG_NAME, RootCmd.PersistentFlags().Lookup(CFG_FLAG_NAME))
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("initsync")
	viper.AddConfigPath(".")               // For running from project root
	viper.AddConfigPath("/etc/initsync/")  // For production
	viper.AddConfigPath("$HOME/.initsync") // For user-specific config

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	RootCmd.AddCommand(clone.CloneCmd)
	RootCmd.AddCommand(configprint.ConfigPrintCmd)
	RootCmd.AddCommand(version.VersionCmd)
}

// loadConfig reads the config file and configures the global logger. A
// missing config file is fine as long as the environment supplies the
// required keys.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == version.VersionCmd.Name() {
		return nil
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	log.Init(cfg.ID, cfg.LogLevel, cfg.LogFile)
	log.Logger.Debug().Str("config_file", viper.ConfigFileUsed()).Msg("Configuration loaded")
	return nil
}
