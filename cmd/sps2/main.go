package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/pkg/config"
	"github.com/sps2/sps2/pkg/errs"
	"github.com/sps2/sps2/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	err := rootCmd.Execute()
	os.Exit(exitCode(err))
}

// exitCode maps a command's returned error to spec §6/§7's exit codes: 0
// success, 2 invalid arguments, 3 operation failed, 4 system
// inconsistency, 5 transient/retry-safe. Cobra's own flag/arg validation
// errors never carry an *errs.Error, so they fall into the usage bucket
// rather than errs.ExitCode's default of 3.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	// Every engine-originated error crossing a command boundary is
	// wrapped in *errs.Error; anything else is a cobra/pflag argument
	// validation failure (unknown flag, wrong arg count, required flag
	// missing), which maps to exit code 2 rather than errs.ExitCode's
	// default of 3.
	if _, ok := err.(*errs.Error); !ok {
		return 2
	}
	return errs.ExitCode(err)
}

var rootCmd = &cobra.Command{
	Use:   "sps2",
	Short: "sps2 - a source-building package manager for macOS/ARM64",
	Long: `sps2 manages packages built from source on macOS/ARM64: it stores
content-addressed package and file objects, transitions the installed set
atomically through a two-phase commit, and keeps two live-slot
directories so every operation is instantly reversible.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sps2 version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("prefix", "", "Installation prefix (default /opt/pm)")
	rootCmd.PersistentFlags().String("config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("color", "", "Color output: auto, always, never")
	rootCmd.PersistentFlags().String("output", "", "Report format: plain, tty, json")
	rootCmd.PersistentFlags().Bool("no-wait", false, "Fail immediately instead of blocking on the process lock")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve /metrics on, e.g. 127.0.0.1:9090")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(listStatesCmd)
	rootCmd.AddCommand(listPackagesCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(healCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(cacheFormatDetectCmd)
	rootCmd.AddCommand(buildCmd)
}

func initLogging() {
	cfg, err := loadConfig(rootCmd)
	if err != nil {
		// deferred to each command's RunE, which calls loadConfig again
		// and surfaces the error properly; logging just falls back to
		// defaults so early OnInitialize output is still readable.
		log.Init(log.Config{Level: log.InfoLevel})
		return
	}
	level := log.InfoLevel
	switch cfg.LogLevel {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.LogJSON})
}

// loadConfig resolves pkg/config.Config from cmd's persistent flags,
// layered over SPS2_* environment variables and an optional TOML file,
// per spec §6.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	ov := config.Overrides{}

	if v, _ := cmd.Flags().GetString("prefix"); v != "" {
		ov.Prefix = &v
	}
	if v, _ := cmd.Flags().GetString("config"); v != "" {
		ov.ConfigPath = &v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		ov.LogLevel = &v
	}
	if cmd.Flags().Changed("log-json") {
		v, _ := cmd.Flags().GetBool("log-json")
		ov.LogJSON = &v
	}
	if v, _ := cmd.Flags().GetString("color"); v != "" {
		c := config.Color(v)
		ov.Color = &c
	}
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		o := config.Output(v)
		ov.Output = &o
	}
	if cmd.Flags().Changed("no-wait") {
		v, _ := cmd.Flags().GetBool("no-wait")
		ov.NoWait = &v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		ov.MetricsAddr = &v
	}

	return config.Load(ov)
}
