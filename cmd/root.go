package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/lessoncapture/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "lessoncapture [student-id]",
	Short: "Record music lessons and draft the follow-up for students and parents",
	Long: `LessonCapture records a music lesson from the microphone, then sends the
recording to a summarizer that drafts a student recap, a practice plan and
an email for the parents. The teacher reviews and edits the drafts before
saving them.

When a student ID is provided, it acts as 'lessoncapture run [student-id]'.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel, config.LoggingConfig{})

		// Use default config path if not specified
		explicit := cfgFile != ""
		if !explicit {
			cfgFile = os.ExpandEnv("$HOME/.config/lessoncapture.yaml")
		}

		// Device listing works without a config file
		if !explicit && allowsDefaultConfig(cmd) {
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				slog.Debug("No config file, using built-in defaults", "path", cfgFile)
				cfg = config.Default()
				return nil
			}
		}

		loaded, err := config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded

		// Re-route logging now that the file settings are known
		setupLogging(verboseLevel, cfg.Logging)

		// Validate pipeline if provided
		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If a student ID is provided, delegate to run command
		if len(args) == 1 {
			return runCmd.RunE(cmd, args)
		}
		// Otherwise show help
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lessoncapture.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, s=summary, p=play, e=email (e.g., 'rse', 'rp')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(studentsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(encodingsCmd)
	rootCmd.AddCommand(serveCmd)
}

func allowsDefaultConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "sources", "encodings", "help":
		return true
	}
	return false
}

// setupLogging configures slog based on the verbose level and the logging
// section of the config
func setupLogging(level int, logging config.LoggingConfig) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}

	var out io.Writer = os.Stderr
	if logging.File != "" {
		out = &lumberjack.Logger{
			Filename:   logging.File,
			MaxSize:    logging.MaxSizeMB,
			MaxBackups: logging.MaxBackups,
			MaxAge:     logging.MaxAgeDays,
		}
	}

	var handler slog.Handler
	if logging.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		// Configure text handler for clean terminal output
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}
