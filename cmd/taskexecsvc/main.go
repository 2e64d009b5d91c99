package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "taskexecsvc",
	Short: "Executor runtime for remote task envelopes: submitter, in-process worker, and debug HTTP",
	RunE:  run,
}

func main() {
	rootCmd.Flags().String("http-addr", ":8080", "Address for the debug HTTP endpoint")
	rootCmd.Flags().String("cluster-addr", "", "Cluster Compute Service connector address (unused by the in-process default)")
	rootCmd.Flags().String("scratch-dir", "/var/lib/fleetexec/scratch", "Worker-local scratch root")
	rootCmd.Flags().String("cache-dir", "/var/lib/fleetexec/cache", "Worker-local input content cache")
	rootCmd.Flags().Duration("poll-interval", 0, "Polling monitor tick interval (parsed but unused: the monitor ticks every 1s)")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable; accepted but not applied, the level comes from log_level)")

	viper.BindPFlag("http_addr", rootCmd.Flags().Lookup("http-addr"))
	viper.BindPFlag("cluster_addr", rootCmd.Flags().Lookup("cluster-addr"))
	viper.BindPFlag("scratch_dir", rootCmd.Flags().Lookup("scratch-dir"))
	viper.BindPFlag("cache_dir", rootCmd.Flags().Lookup("cache-dir"))
	viper.BindPFlag("poll_interval", rootCmd.Flags().Lookup("poll-interval"))
	viper.SetEnvPrefix("fleetexec")
	viper.AutomaticEnv()

	viper.SetConfigName("executor")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/fleetexec/")
	viper.AddConfigPath("$HOME/.config/fleetexec")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
