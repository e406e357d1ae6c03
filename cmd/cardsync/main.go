package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/cardsync/internal/config"
	"github.com/schaermu/cardsync/internal/git"
	"github.com/schaermu/cardsync/internal/prompt"
	"github.com/schaermu/cardsync/internal/report"
	"github.com/schaermu/cardsync/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile    string
	logLevel   string
	logFormat  string
	backupDir  string
	cardDir    string
	promptMode string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cardsync",
	Short: "Reconcile a removable card with its git-versioned backup",
	Long: `cardsync keeps the tracked directories of a removable card in step with a
backup folder that is a git repository.

Each directory whose name contains the marker is compared against the card's
manifest and the backup's git history. One-sided changes are copied across,
conflicting changes are resolved interactively, and every change to the
backup is committed and pushed.

Running cardsync without a subcommand performs a sync.`,
	SilenceUsage: true,
	RunE:         runSync,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile every tracked directory between card and backup",
	Long: `Sync discovers the tracked directories on the card, reconciles each one with
the backup, snapshots the backup in git when it changed and finally rewrites
the card manifest.

A card without a manifest gets one derived from the backup first.`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the reconciliation state of every tracked directory",
	Long: `Status classifies every tracked directory without prompting, copying,
committing or writing the manifest.`,
	RunE: runStatus,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Rewrite the card manifest from the card's current contents",
	Long: `Manifest fingerprints every tracked directory on the card and rewrites the
card manifest, accepting the card as the new baseline. The backup is not
touched and need not be a git repository.`,
	RunE: runManifest,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cardsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/cardsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&backupDir, "backup-folder", "", "backup folder, a git repository (default is $HOME/Desktop/pyra_back)")
	rootCmd.PersistentFlags().StringVar(&cardDir, "card", "", "mount point of the card")
	rootCmd.PersistentFlags().StringVar(&cardDir, "pyra-card", "", "alias for --card")
	rootCmd.PersistentFlags().StringVar(&promptMode, "prompt", "", "prompt mode (tui, line)")
	_ = rootCmd.PersistentFlags().MarkHidden("pyra-card")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	driver, err := newDriver(cmd, logger)
	if err != nil {
		return err
	}

	rep, err := driver.Run(ctx)
	if rep != nil {
		if rerr := report.Render(os.Stdout, rep); rerr != nil {
			logger.Warn("failed to print report", "error", rerr)
		}
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	if failed := len(rep.Failed()); failed > 0 {
		return fmt.Errorf("%d directories failed to reconcile", failed)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	driver, err := newDriver(cmd, logger)
	if err != nil {
		return err
	}

	rep, err := driver.Status(ctx)
	if err != nil {
		logger.Error("status failed", "error", err)
		return err
	}
	return report.Render(os.Stdout, rep)
}

func runManifest(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	driver, err := newDriver(cmd, logger)
	if err != nil {
		return err
	}

	m, err := driver.RegenerateManifest(ctx)
	if err != nil {
		logger.Error("manifest regeneration failed", "error", err)
		return err
	}
	fmt.Printf("wrote manifest with %d entries\n", len(m))
	return nil
}

// newDriver loads the configuration and wires the sync driver's
// collaborators.
func newDriver(cmd *cobra.Command, logger *slog.Logger) (*sync.Driver, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		if errors.Is(err, config.ErrCardRequired) {
			_ = cmd.Usage()
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	var hist git.History = gitClient
	if cfg.History.Backend == config.HistoryGoGit {
		hist = git.NewGoGitHistory()
	}

	return sync.NewDriver(cfg, gitClient, hist, newDecider(cfg, logger), logger), nil
}

// newDecider picks the prompt implementation. The TUI needs a terminal on
// stdin; anything else falls back to plain line prompts.
func newDecider(cfg *config.Config, logger *slog.Logger) prompt.Decider {
	if cfg.Prompt.Mode == config.PromptTUI && stdinIsTerminal() {
		return prompt.NewHuhDecider(cfg.Prompt.Accessible)
	}
	if cfg.Prompt.Mode == config.PromptTUI {
		logger.Debug("stdin is not a terminal, using line prompts")
	}
	return prompt.NewLineDecider(os.Stdin, os.Stdout)
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// setupLogger logs to stderr; stdout carries prompts and the report.
func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// An explicit --config must exist; the default location is optional
	configPath := cfgFile
	optional := false
	if configPath == "" {
		path, err := config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = path
		optional = true
	}

	logger.Debug("loading configuration", "path", configPath, "optional", optional)

	cfg, err := config.Load(configPath, optional, config.Overrides{
		BackupDir:  backupDir,
		CardDir:    cardDir,
		PromptMode: promptMode,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"backup_dir", cfg.Paths.BackupDir,
		"card_dir", cfg.Paths.CardDir,
		"marker", cfg.Sync.Marker,
		"push", cfg.PushEnabled(),
		"history", cfg.History.Backend,
		"prompt", cfg.Prompt.Mode)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
