package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/enrich"
	"github.com/go-go-golems/aqyn/pkg/inference"
	"github.com/go-go-golems/aqyn/pkg/redisstream"
	"github.com/go-go-golems/aqyn/pkg/webchat"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "aqyn",
		Short: "Conversational assistant server in the voice of Abai Kunanbaev",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.DB = db
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.LogLevel = level
			}
			return serve(cfg)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (overrides config)")
	serveCmd.Flags().String("db", "", "sqlite database path (overrides config)")
	serveCmd.Flags().String("log-level", "", "zerolog level (overrides config)")
	rootCmd.AddCommand(serveCmd)

	return rootCmd
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
	return nil
}

func serve(cfg Config) error {
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}

	lang, ok := chat.ParseLanguage(cfg.DefaultLanguage)
	if !ok {
		return errors.Errorf("unknown default language %q", cfg.DefaultLanguage)
	}

	dsn, err := chat.SQLiteDSNForFile(cfg.DB)
	if err != nil {
		return err
	}
	store, err := chat.NewSQLiteStore(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	log.Info().Str("db", cfg.DB).Msg("store opened")

	engine, err := inference.NewOpenAIEngine(inference.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
	})
	if err != nil {
		return err
	}

	pool, err := enrich.NewDefaultQuestionPool()
	if err != nil {
		return err
	}

	router, err := redisstream.BuildRouter(cfg.Redis, false)
	if err != nil {
		return err
	}
	defer func() { _ = router.Close() }()
	if cfg.Redis.Enabled {
		log.Info().Str("addr", cfg.Redis.Addr).Msg("event transport: redis streams")
	} else {
		log.Info().Msg("event transport: in-process")
	}

	srvCfg := webchat.Config{
		Addr:            cfg.Addr,
		Store:           store,
		Engine:          engine,
		Titles:          enrich.NewTitleGenerator(engine),
		Suggestions:     enrich.NewSuggestionGenerator(engine, pool),
		Router:          router,
		SystemPrompt:    cfg.SystemPrompt,
		DefaultLanguage: lang,
	}
	if cfg.Redis.Enabled {
		srvCfg.Subscribe = redisstream.SessionSubscription(cfg.Redis)
	}
	srv := webchat.NewServer(srvCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
