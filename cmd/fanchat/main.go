// Package main implements the fanchat command-line interface.
//
// fanchat is a persona chat front-end for the Gemini API with a terminal UI,
// a one-shot ask command and a web surface with an admin gallery.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	uiprefs "fanchat/cmd/fanchat/config"
	"fanchat/cmd/fanchat/chat"
	"fanchat/cmd/fanchat/ui"
	"fanchat/internal/config"
	"fanchat/internal/gallery"
	"fanchat/internal/logging"
	"fanchat/internal/perception"
	"fanchat/internal/session"
	"fanchat/internal/transcript"
	"fanchat/internal/types"
	"fanchat/internal/usage"
)

var version = "dev"

var (
	// Global flags
	verbose    bool
	apiKey     string
	configPath string
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fanchat",
	Short: "fanchat - talk to the shopkeeper",
	Long: `fanchat streams a persona chat from the Gemini API.

Run without arguments for the terminal chat, "fanchat ask" for a single
question, or "fanchat serve" for the web page and admin gallery.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The terminal chat owns the screen; it logs to the configured file.
		if cmd.Use == "fanchat" && cmd.CalledAs() == "fanchat" {
			return nil
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.UseLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractiveChat()
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fanchat %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (overrides config and environment)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-reply timeout (overrides llm.timeout)")

	rootCmd.AddCommand(askCmd, serveCmd, configCmd, usageCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if timeout > 0 {
		cfg.LLM.Timeout = timeout.String()
	}
	return cfg, nil
}

// newChatClient builds the Gemini client. Without a key it returns a nil
// client and the chat still runs: every send ends in the fallback record.
func newChatClient(ctx context.Context, cfg *config.Config) (*perception.GeminiClient, error) {
	client, err := perception.NewGeminiClient(ctx, perception.GeminiConfig{
		APIKey:          cfg.LLM.APIKey,
		Model:           cfg.LLM.Model,
		Timeout:         cfg.GetLLMTimeout(),
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		MinInterval:     cfg.GetLLMMinInterval(),
	})
	if errors.Is(err, perception.ErrNoAPIKey) {
		logging.BootWarn("no API key configured; replies will fail until one is set")
		return nil, nil
	}
	return client, err
}

// attachUsage wires token accounting into client when enabled. The returned
// func flushes the counts and must be called on exit.
func attachUsage(cfg *config.Config, client *perception.GeminiClient) func() {
	if client == nil || !cfg.Usage.Enabled || cfg.Usage.File == "" {
		return func() {}
	}
	tracker, err := usage.NewTracker(cfg.Usage.File)
	if err != nil {
		logging.BootWarn("usage tracking disabled: %v", err)
		return func() {}
	}
	client.SetUsageTracker(tracker)
	return func() {
		if err := tracker.Close(); err != nil {
			logging.BootWarn("failed to save usage: %v", err)
		}
	}
}

// chatClient converts a possibly nil client to the interface without a
// typed nil.
func chatClient(c *perception.GeminiClient) types.ChatClient {
	if c == nil {
		return nil
	}
	return c
}

// newGallery builds the upload gallery, captioning images when enabled.
func newGallery(cfg *config.Config, client *perception.GeminiClient) *gallery.Gallery {
	var captioner types.Captioner
	if cfg.Gallery.Captions && client != nil {
		captioner = client
	}
	return gallery.New(captioner, galleryConfig(cfg))
}

func galleryConfig(cfg *config.Config) gallery.Config {
	return gallery.Config{
		MaxUploadBytes: cfg.Gallery.MaxUploadBytes,
		CaptionTimeout: cfg.GetCaptionTimeout(),
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// runInteractiveChat starts the terminal chat.
func runInteractiveChat() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := cfg.Logging.LoggerConfig(verbose)
	if logCfg.DebugMode && logCfg.File == "" {
		// stderr would draw over the alt screen.
		logCfg.DebugMode = false
	}
	if err := logging.Initialize(logCfg); err != nil {
		return err
	}
	defer logging.CloseAll()
	logging.Boot("starting terminal chat model=%s", cfg.LLM.Model)

	client, err := newChatClient(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer attachUsage(cfg, client)()

	prefs, err := uiprefs.Load()
	if err != nil {
		logging.BootWarn("ignoring unreadable UI preferences: %v", err)
	}

	ctrl := session.NewController(transcript.NewStore(), chatClient(client), cfg.SessionConfig())
	return chat.Run(chat.Config{
		Controller:     ctrl,
		Gallery:        newGallery(cfg, client),
		Styles:         ui.NewStyles(ui.ThemeByName(prefs.Theme)),
		Title:          cfg.Name,
		RenderMarkdown: cfg.Chat.RenderMarkdown,
		ShowTimestamps: cfg.Chat.ShowTimestamps,
	})
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
