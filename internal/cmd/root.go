package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "calloutscan",
	Short: "Extract reference callout markers from construction drawings",
	Long: `CalloutScan locates reference callout symbols (circles and revision deltas
labeled "detail/sheet", e.g. "3/A7") on rendered construction drawing sheets.

Pages are cut into overlapping tiles, geometric detection proposes candidate
symbols, a fast OCR prefilter discards obvious non-markers, and a vision
model validates the survivors against the project's sheet list.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("exemplars", "", "Path to an exemplar archive (sqlite); empty uses the built-in set")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("log-format", "text", "Log output format (text or json)")

	for key, name := range map[string]string{
		"exemplars":  "exemplars",
		"verbose":    "verbose",
		"log_format": "log-format",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

// mustBindFlags binds command flags to viper keys. A failed bind is a
// programming error, not a runtime condition.
func mustBindFlags(cmd *cobra.Command, bindings map[string]string) {
	for key, name := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("CALLOUTSCAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Process-wide settings also ride on well-known raw environment keys.
	envBindings := map[string]string{
		"openrouter.api_key":       "OPENROUTER_API_KEY",
		"openrouter.model":         "OPENROUTER_MODEL",
		"tile.size":                "TILE_SIZE_PX",
		"tile.overlap":             "TILE_OVERLAP",
		"stage2.batch_size":        "STAGE2_BATCH_SIZE",
		"stage2.concurrency":       "STAGE2_CONCURRENCY",
		"ocr.confidence_threshold": "OCR_CONFIDENCE_THRESHOLD",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			panic(fmt.Sprintf("failed to bind env %s: %v", env, err))
		}
	}

	viper.SetDefault("tile.size", 2048)
	viper.SetDefault("tile.overlap", 0.2)
	viper.SetDefault("stage2.batch_size", 10)
	viper.SetDefault("stage2.concurrency", 4)
	viper.SetDefault("ocr.confidence_threshold", 0.7)

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
