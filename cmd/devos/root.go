package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"devos/internal/config"
	"devos/internal/telemetry"
)

var exit = os.Exit
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "devos",
	Short: "DevOS: autonomous agent pipeline orchestrator",
	Long: `DevOS orchestrates autonomous coding agents through a fixed
planner -> dev -> qa -> devops pipeline, with durable per-project state,
sandboxed CLI sessions, and bidirectional Jira sync.`,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'devos --help' for usage.")
		exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Accept snake_case spellings for every flag.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose/debug logging")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	config.Load(cfgFile)
	telemetry.InitLogger(viper.GetBool("verbose"), viper.GetString("log_file"))
}
