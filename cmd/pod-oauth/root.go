package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const envPrefix = "POD_OAUTH"

var rootCmd = &cobra.Command{
	Use:           "pod-oauth",
	Short:         "OAuth 2.0 and OpenID Connect authorization server for Solid pods",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile := viper.GetString("env_file")
		if err := godotenv.Load(envFile); err != nil {
			// a missing default .env is fine, an explicit one is not
			if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "f", "pod-oauth.yaml", "configuration file")
	flags.String("env-file", ".env", "dotenv file loaded before the configuration")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	cobra.CheckErr(viper.BindPFlag("config", flags.Lookup("config")))
	cobra.CheckErr(viper.BindPFlag("env_file", flags.Lookup("env-file")))
	cobra.CheckErr(viper.BindPFlag("log_level", flags.Lookup("log-level")))
}
