// Package cli provides the hostsweep command line. Commands run sweeps over
// uploaded target files, manage the database schema and print the scaling
// profiles used to size a run.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/hostsweep/internal/config"
	"github.com/anstrom/hostsweep/internal/logging"
)

const defaultConfigFile = "config.yaml"

// envKeyReplacer maps database.password to HOSTSWEEP_DATABASE_PASSWORD.
var envKeyReplacer = strings.NewReplacer(".", "_")

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "hostsweep",
	Short: "Bulk IPv4 reachability, port and WHOIS sweeps",
	Long: `hostsweep extracts IPv4 addresses from uploaded text or CSV files, probes
each public address for reachability, scans a curated port list, looks up
WHOIS ownership and stores the results in PostgreSQL or SQLite.`,
	Version:      getVersion(),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("HOSTSWEEP")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the config file viper settled on, or the default.
func getConfigFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigFile
}

func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logConfig := cfg.Logging
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}

// overridableKeys are the scalar settings that environment variables and
// bound flags may replace after the file is loaded.
var overridableKeys = []string{
	"database.driver",
	"database.host",
	"database.port",
	"database.database",
	"database.username",
	"database.password",
	"database.ssl_mode",
	"database.path",
	"scanning.whois_timeout",
	"scanning.whois_server",
	"scanning.batch_pause",
	"scanning.nmap_timing",
	"progress.listen_addr",
	"progress.websocket",
	"progress.amqp_url",
	"progress.amqp_exchange",
	"logging.level",
	"logging.format",
	"metrics.enabled",
}

// loadConfig loads the config file over the defaults, applies viper
// overrides and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	for _, key := range overridableKeys {
		if !v.IsSet(key) {
			continue
		}
		switch key {
		case "database.driver":
			cfg.Database.Driver = v.GetString(key)
		case "database.host":
			cfg.Database.Host = v.GetString(key)
		case "database.port":
			cfg.Database.Port = v.GetInt(key)
		case "database.database":
			cfg.Database.Database = v.GetString(key)
		case "database.username":
			cfg.Database.Username = v.GetString(key)
		case "database.password":
			cfg.Database.Password = v.GetString(key)
		case "database.ssl_mode":
			cfg.Database.SSLMode = v.GetString(key)
		case "database.path":
			cfg.Database.Path = v.GetString(key)
		case "scanning.whois_timeout":
			cfg.Scanning.WhoisTimeout = v.GetDuration(key)
		case "scanning.whois_server":
			cfg.Scanning.WhoisServer = v.GetString(key)
		case "scanning.batch_pause":
			cfg.Scanning.BatchPause = v.GetDuration(key)
		case "scanning.nmap_timing":
			cfg.Scanning.NmapTiming = v.GetString(key)
		case "progress.listen_addr":
			cfg.Progress.ListenAddr = v.GetString(key)
		case "progress.websocket":
			cfg.Progress.WebSocket = v.GetBool(key)
		case "progress.amqp_url":
			cfg.Progress.AMQPURL = v.GetString(key)
		case "progress.amqp_exchange":
			cfg.Progress.AMQPExchange = v.GetString(key)
		case "logging.level":
			cfg.Logging.Level = logging.LogLevel(v.GetString(key))
		case "logging.format":
			cfg.Logging.Format = logging.LogFormat(v.GetString(key))
		case "metrics.enabled":
			cfg.Metrics.Enabled = v.GetBool(key)
		}
	}
}
