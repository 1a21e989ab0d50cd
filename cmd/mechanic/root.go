package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/shipitai/mechanic/config"
	"github.com/shipitai/mechanic/github"
	"github.com/shipitai/mechanic/llm"
	"github.com/shipitai/mechanic/storage"
	"github.com/shipitai/mechanic/storage/memory"
	"github.com/shipitai/mechanic/storage/postgres"
	redisstore "github.com/shipitai/mechanic/storage/redis"
)

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mechanic",
	Short: "Suggest one improvement for every commit pushed to a pull request",
	Long: `mechanic is a GitHub App that extracts the functions a commit touches,
asks a language model for the single statement most in need of improvement,
and posts the suggestion on the pull request.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML settings file (environment variables take precedence)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reviewCmd)
}

func newLogger(w io.Writer, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadSettings(requireApp bool) (*config.Settings, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return nil, err
	}
	return config.LoadSettings(v, requireApp)
}

// newCompleter builds the configured model client behind the rate limiter.
func newCompleter(s config.LLMSettings) (llm.Completer, string) {
	var (
		model llm.Completer
		name  string
	)
	switch s.Provider {
	case config.ProviderAnthropic:
		var opts []option.RequestOption
		if s.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(s.BaseURL))
		}
		c := llm.NewAnthropic(s.APIKey, s.Model, opts...)
		model, name = c, c.Model()
	case config.ProviderOpenAI:
		baseURL := s.BaseURL
		if baseURL == "" {
			baseURL = openAIChatURL
		}
		c := llm.NewChat(s.APIKey, s.Model, baseURL)
		model, name = c, c.Model()
	default:
		c := llm.NewChat(s.APIKey, s.Model, s.BaseURL)
		model, name = c, c.Model()
	}
	return llm.NewRateLimited(model, s.RequestsPerMinute), name
}

// newGitHub builds the token broker and REST client for the configured API root.
func newGitHub(s *config.Settings, logger *slog.Logger) (*github.TokenBroker, *github.Client, error) {
	broker := github.NewTokenBroker(s.AppID, s.PrivateKey, logger)
	client := github.NewClient()
	if s.APIURL != "" {
		if err := broker.SetBaseURL(s.APIURL); err != nil {
			return nil, nil, fmt.Errorf("invalid GITHUB_API_URL: %w", err)
		}
		if err := client.SetBaseURL(s.APIURL); err != nil {
			return nil, nil, fmt.Errorf("invalid GITHUB_API_URL: %w", err)
		}
	}
	return broker, client, nil
}

// backends holds the storage chosen from the settings.
type backends struct {
	store    storage.Storage
	inflight storage.InFlight
	closers  []func() error
}

func (b *backends) Close() {
	for _, c := range b.closers {
		_ = c()
	}
}

// openBackends uses PostgreSQL when DATABASE_URL is set and Redis for the
// in-flight guard when REDIS_URL is set; anything unset stays in memory.
func openBackends(ctx context.Context, s *config.Settings, logger *slog.Logger) (*backends, error) {
	mem := memory.New()
	b := &backends{store: mem, inflight: mem}

	if s.DatabaseURL != "" {
		pg, err := postgres.NewFromDSN(ctx, s.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		b.store = pg
		b.closers = append(b.closers, pg.Close)
		logger.Info("using postgres review history")
	}

	if s.RedisURL != "" {
		rdb, err := redisstore.NewFromURL(ctx, s.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.inflight = rdb
		b.closers = append(b.closers, rdb.Close)
		logger.Info("using redis in-flight guard")
	}

	return b, nil
}
