package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/resynclabs/resync/internal/config"
	"github.com/resynclabs/resync/internal/sync"
	"github.com/resynclabs/resync/internal/utils"
	"github.com/resynclabs/resync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"

	// level is shared by all terminal handlers so --debug can raise verbosity
	// after flag parsing.
	logLevel = new(slog.LevelVar)
)

var (
	cyan   = color.New(color.FgHiCyan, color.Bold).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "resync [flags] SOURCE DEST",
	Short: "Resumable directory synchronization",
	Long: "resync copies a directory tree or single file, resumes interrupted\n" +
		"transfers without re-copying already-correct bytes, and remembers\n" +
		"completed files across runs so repeated syncs skip them cheaply.",
	Args:    cobra.MaximumNArgs(2),
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig(args)
		if err := cfg.Validate(); err != nil {
			return err
		}

		// all good now, stop treating errors as usage problems
		cmd.SilenceUsage = true

		if viper.GetBool("debug") {
			logLevel.Set(slog.LevelDebug)
		}
		if cfg.LogFile != "" {
			closeLogs, err := mirrorLogsToFile(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLogs()
		}

		if !utils.DirExists(cfg.Source) && !utils.FileExists(cfg.Source) {
			return fmt.Errorf("source does not exist: %s", cfg.Source)
		}

		showHeader(cmd, cfg)

		mgr := sync.NewManager(afero.NewOsFs(), cfg,
			sync.WithLedgerLock(),
			sync.WithProgress(logProgress),
		)

		defer slog.Info("Bye!")
		summary, err := mgr.Run(cmd.Context())
		if summary != nil {
			printSummary(cmd.OutOrStdout(), summary, cfg.DryRun)
		}
		if errors.Is(err, context.Canceled) {
			// partial files stay on disk and resume on the next run
			slog.Info("sync interrupted")
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().BoolP("dry-run", "n", false, "Report what would be copied without writing anything")
	rootCmd.Flags().BoolP("watch", "w", false, "Keep watching the source tree and sync on change")
	rootCmd.Flags().StringArrayP("exclude", "x", nil, "Skip paths matching this gitignore-style pattern (repeatable)")
	rootCmd.Flags().String("block-size", config.DefaultBlockSize, "Divergence probe block size")
	rootCmd.Flags().String("chunk-size", config.DefaultChunkSize, "Streaming copy chunk size")
	rootCmd.Flags().Int("rate-window", config.DefaultRateWindow, "Throughput samples kept for rate smoothing")
	rootCmd.Flags().String("retention", config.DefaultRetention, "How long completion records are kept")
	rootCmd.Flags().String("ledger", "", "Completion ledger path (default ~/.resync/ledger.json)")
	rootCmd.Flags().String("log-file", "", "Mirror logs to this file")
	rootCmd.Flags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")
}

func main() {
	slog.SetDefault(slog.New(terminalHandler()))

	// Ctrl-C cancels the root context; the engine stops at the next chunk
	// boundary and leaves partial files resumable.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	// config path
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".resync"))
		viper.AddConfigPath(filepath.Join(home, ".config/resync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	// Bind flags to viper
	viper.BindPFlag("dry_run", cmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("watch", cmd.Flags().Lookup("watch"))
	viper.BindPFlag("exclude", cmd.Flags().Lookup("exclude"))
	viper.BindPFlag("block_size", cmd.Flags().Lookup("block-size"))
	viper.BindPFlag("chunk_size", cmd.Flags().Lookup("chunk-size"))
	viper.BindPFlag("rate_window", cmd.Flags().Lookup("rate-window"))
	viper.BindPFlag("retention", cmd.Flags().Lookup("retention"))
	viper.BindPFlag("ledger_path", cmd.Flags().Lookup("ledger"))
	viper.BindPFlag("log_file", cmd.Flags().Lookup("log-file"))
	viper.BindPFlag("debug", cmd.Flags().Lookup("debug"))

	// Set up environment variables
	viper.SetEnvPrefix("RESYNC")
	viper.AutomaticEnv()

	return nil
}

// buildConfig assembles the run config from viper (config file, env, flags).
// Positional arguments win over everything else.
func buildConfig(args []string) *config.Config {
	cfg := &config.Config{
		Path:       viper.ConfigFileUsed(),
		Source:     viper.GetString("source"),
		Dest:       viper.GetString("dest"),
		LedgerPath: viper.GetString("ledger_path"),
		BlockSize:  viper.GetString("block_size"),
		ChunkSize:  viper.GetString("chunk_size"),
		RateWindow: viper.GetInt("rate_window"),
		Retention:  viper.GetString("retention"),
		Exclude:    viper.GetStringSlice("exclude"),
		LogFile:    viper.GetString("log_file"),
		DryRun:     viper.GetBool("dry_run"),
		Watch:      viper.GetBool("watch"),
	}

	if len(args) > 0 {
		cfg.Source = args[0]
	}
	if len(args) > 1 {
		cfg.Dest = args[1]
	}

	return cfg
}

func terminalHandler() slog.Handler {
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
}

// mirrorLogsToFile swaps the default logger for one that fans out to the
// terminal and the given file. The returned func flushes and closes the file.
func mirrorLogsToFile(path string) (func(), error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// Do not include time, the interceptor stamps every line itself.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(terminalHandler(), fileHandler)))

	return func() {
		interceptor.Close()
		file.Close()
	}, nil
}

func showHeader(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cyan("resync"), version.Short())
	fmt.Fprintln(out, "  source:", cfg.Source)
	fmt.Fprintln(out, "    dest:", cfg.Dest)
	if cfg.DryRun {
		fmt.Fprintln(out, yellow("dry-run: reporting only, nothing will be written"))
	}
}
