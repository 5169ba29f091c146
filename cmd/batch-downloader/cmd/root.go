package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-batch-download/internal/config"
	"go-batch-download/internal/database"
	"go-batch-download/internal/models"
	"go-batch-download/internal/upstream"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the upstream HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "batch-downloader",
	Short: "Queue, resume and track batches of file downloads",
	Long: `Batch Downloader resolves share links from a file host, downloads them
through a bounded worker pool with per-caller plan limits, and reports
progress per job and per batch. Run 'serve' for the HTTP API or 'fetch'
for a one-off local batch.`,
	PersistentPreRunE: loadGlobalConfig, // Load config before any command runs
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*upstream.LoggingTransport); ok && loggingTransport != nil {
			log.Debug("Closing upstream logging transport file.")
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing upstream log file")
			}
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().String("save-path", "", "Directory to save downloads (overrides config)")
	rootCmd.PersistentFlags().String("listen", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().Int("workers", 0, "Number of worker slots (overrides config)")
	rootCmd.PersistentFlags().Bool("log-upstream", false, "Log upstream requests/responses to upstream.log (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	viper.BindPFlag("savepath", rootCmd.PersistentFlags().Lookup("save-path"))
	viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("logupstream", rootCmd.PersistentFlags().Lookup("log-upstream"))
	viper.BindPFlag("loglevel", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logformat", rootCmd.PersistentFlags().Lookup("log-format"))

	// BATCHDL_SAVEPATH, BATCHDL_WORKERS, ...
	viper.SetEnvPrefix("BATCHDL")
	viper.AutomaticEnv()
}

// initLogging applies the log level and format flags.
func initLogging() error {
	level, err := log.ParseLevel(viper.GetString("loglevel"))
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	log.SetLevel(level)

	switch strings.ToLower(viper.GetString("logformat")) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid --log-format %q", viper.GetString("logformat"))
	}
	return nil
}

// loadGlobalConfig loads the configuration file and applies flag and
// environment overrides. It also sets up the upstream HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	if err := initLogging(); err != nil {
		return err
	}

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Config file %s not found, using defaults", cfgFile)
		globalConfig = models.Config{}
		config.ApplyDefaults(&globalConfig)
	} else if err != nil {
		return err
	}

	if viper.IsSet("savepath") {
		if savePath := viper.GetString("savepath"); savePath != "" {
			globalConfig.SavePath = savePath
			log.Debugf("Overriding SavePath: %s", savePath)
		} else {
			log.Warn("--save-path provided but value is empty, ignoring.")
		}
	}
	if viper.IsSet("listen") && viper.GetString("listen") != "" {
		globalConfig.Listen = viper.GetString("listen")
		log.Debugf("Overriding Listen: %s", globalConfig.Listen)
	}
	if viper.IsSet("workers") {
		if workers := viper.GetInt("workers"); workers > 0 {
			globalConfig.Workers = workers
			log.Debugf("Overriding Workers: %d", workers)
		} else {
			log.Warnf("--workers provided with invalid value %d, using config value: %d", workers, globalConfig.Workers)
		}
	}
	if viper.IsSet("logupstream") {
		globalConfig.LogUpstreamRequests = viper.GetBool("logupstream")
		log.Debugf("Overriding LogUpstreamRequests: %t", globalConfig.LogUpstreamRequests)
	}

	// Paths default to live next to the downloads.
	if globalConfig.DatabasePath == "" {
		globalConfig.DatabasePath = filepath.Join(globalConfig.SavePath, "batch.db")
	}
	if globalConfig.IndexPath == "" {
		globalConfig.IndexPath = filepath.Join(globalConfig.SavePath, "history.bleve")
	}

	// --- Setup Upstream HTTP Transport ---
	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogUpstreamRequests {
		logFilePath := "upstream.log"
		if globalConfig.SavePath != "" {
			if _, statErr := os.Stat(globalConfig.SavePath); statErr == nil {
				logFilePath = filepath.Join(globalConfig.SavePath, logFilePath)
			} else {
				log.Warnf("SavePath '%s' not found, saving upstream.log to current directory.", globalConfig.SavePath)
			}
		}
		log.Infof("Upstream logging to file: %s", logFilePath)

		loggingTransport, err := upstream.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize upstream logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

// upstreamClient returns the HTTP client used for provider calls.
func upstreamClient() *http.Client {
	return &http.Client{
		Timeout:   time.Duration(globalConfig.UpstreamTimeoutSec) * time.Second,
		Transport: globalHttpTransport,
	}
}

// openDatabase opens the job store, creating its directory if needed.
func openDatabase() (*database.DB, error) {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return db, nil
}
