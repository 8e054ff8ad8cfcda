// Command roborockctl is a small operator CLI over the device
// communication core: list the account's devices, inspect one device's
// status, and dump diagnostic counters. Its cobra/viper wiring follows
// the reference library's CLI skeleton; the on-disk config file itself
// (account/cache/mqtt/local/logging/metrics settings, with ${VAR}
// substitution) is parsed by internal/config rather than viper's own
// file reader, since viper has no equivalent of ${VAR:-default}
// substitution inside a config value. viper still owns flag binding and
// ROBOROCK_-prefixed whole-key environment overrides on top of the
// loaded file.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	rrconfig "github.com/user/roborock-go/internal/config"
)

var (
	cfgFile  string
	username string
	password string
	baseURL  string

	cfg *rrconfig.Config
)

var rootCmd = &cobra.Command{
	Use:   "roborockctl",
	Short: "roborockctl inspects and controls Roborock devices on an account",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.roborockctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "account username")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "account password")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "account API base URL")
	viper.BindPFlag("username", rootCmd.PersistentFlags().Lookup("username"))
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base-url"))

	rootCmd.AddCommand(devicesCmd, statusCmd, diagnosticsCmd)
}

// initConfig loads the YAML config file (if any) through internal/config,
// then lets viper's flag/env bindings take precedence for the three
// account fields a caller can also pass on the command line.
func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ROBOROCK")

	path := cfgFile
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".roborockctl.yaml")
	}

	loaded, err := rrconfig.Load(path)
	if err != nil {
		loaded = rrconfig.Default()
	}
	cfg = loaded

	if v := viper.GetString("username"); v != "" {
		cfg.Account.Username = v
	}
	if v := viper.GetString("password"); v != "" {
		cfg.Account.Password = v
	}
	if v := viper.GetString("base_url"); v != "" {
		cfg.Account.BaseURL = v
	}
	if cfg.Account.BaseURL == "" {
		cfg.Account.BaseURL = "https://api-us.roborock.com"
	}
}
