package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/simreg/regq/internal/config"
	"github.com/simreg/regq/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config

	debug      bool
	logFile    string
	closeLog   func()
	defaultCfg = filepath.Join(".regq", "config.yaml")
)

// streamLogs marks commands that log to stderr without --debug.
const streamLogs = "stream-logs"

var rootCmd = &cobra.Command{
	Use:   "regq",
	Short: "SIM line registration queue",
	Long: `regq works through a queue of SIM line registrations, running the carrier
session, name and CNE steps for each record and tracking progress so that
interrupted work resumes where it stopped.

Records are imported from CSV or Excel files, or added one at a time, and
processed by 'regq run'.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if closeLog != nil {
			closeLog()
			closeLog = nil
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .regq/config.yaml, then ~/.config/regq/config.yaml)")
	rootCmd.PersistentFlags().String("db", "",
		"SQLite database path (overrides store.path)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write logs to this file")

	bindFlags()
}

func bindFlags() {
	_ = viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	setDefaults(viper.GetViper(), config.Defaults())

	viper.SetEnvPrefix("REGQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .regq/config.yaml (current directory)
		// 2. ~/.config/regq/config.yaml (user config)
		if _, err := os.Stat(defaultCfg); err == nil {
			viper.SetConfigFile(defaultCfg)
		} else {
			viper.AddConfigPath(config.DefaultConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if writeErr := config.WriteDefaultConfig(defaultCfg); writeErr == nil {
				viper.SetConfigFile(defaultCfg)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// setDefaults registers every default so AutomaticEnv can override any key.
func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.max_conns", d.Store.MaxConns)

	v.SetDefault("queue.workers", d.Queue.Workers)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.initial_backoff", d.Queue.InitialBackoff)
	v.SetDefault("queue.max_backoff", d.Queue.MaxBackoff)
	v.SetDefault("queue.step_timeout", d.Queue.StepTimeout)
	v.SetDefault("queue.stale_after", d.Queue.StaleAfter)
	v.SetDefault("queue.reclaim_interval", d.Queue.ReclaimInterval)
	v.SetDefault("queue.dispatch_interval", d.Queue.DispatchInterval)

	v.SetDefault("carrier.mode", d.Carrier.Mode)
	v.SetDefault("carrier.ussd_template", d.Carrier.USSDTemplate)
	v.SetDefault("carrier.retryable_exit_codes", d.Carrier.RetryableExitCodes)
	v.SetDefault("carrier.already_registered_exit_code", d.Carrier.AlreadyRegisteredExitCode)
	v.SetDefault("carrier.simulated_delay", d.Carrier.SimulatedDelay)
	v.SetDefault("carrier.simulated_failure_rate", d.Carrier.SimulatedFailureRate)

	v.SetDefault("import.inbox_dir", d.Import.InboxDir)
	v.SetDefault("import.debounce", d.Import.Debounce)
	v.SetDefault("import.skipped_dir", d.Import.SkippedDir)

	v.SetDefault("api.addr", d.API.Addr)

	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.level", d.Log.Level)
}

// setup starts logging. Output goes to --log-file, REGQ_LOG or log.file when
// set, otherwise to stderr for --debug and long-running commands.
func setup(cmd *cobra.Command, _ []string) error {
	if os.Getenv("REGQ_DEBUG") != "" {
		debug = true
	}
	path := logFile
	if path == "" {
		path = os.Getenv("REGQ_LOG")
	}
	if path == "" {
		path = cfg.Log.File
	}

	if path != "" {
		cleanup, err := log.Init(path)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		closeLog = cleanup
	} else {
		log.InitWriter(cmd.ErrOrStderr())
		_, stream := cmd.Annotations[streamLogs]
		log.SetEnabled(debug || stream)
	}

	level := log.ParseLevel(cfg.Log.Level)
	if debug {
		level = log.LevelDebug
	}
	log.SetMinLevel(level)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
