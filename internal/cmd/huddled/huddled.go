// Package huddled parses coordinator flags and composes the process entrypoint.
package huddled

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/huddle-chat/huddle/internal/api"
	"github.com/huddle-chat/huddle/internal/calls"
	"github.com/huddle-chat/huddle/internal/chat"
	entrypoint "github.com/huddle-chat/huddle/internal/platform/cmd"
	"github.com/huddle-chat/huddle/internal/presence"
	"github.com/huddle-chat/huddle/internal/realtime"
	"github.com/huddle-chat/huddle/internal/social"
	"github.com/huddle-chat/huddle/internal/storage/sqlite"
	"github.com/huddle-chat/huddle/internal/token"
)

// Config holds coordinator process configuration.
type Config struct {
	HTTPAddr    string `env:"HUDDLE_HTTP_ADDR"          envDefault:":8080"`
	DBPath      string `env:"HUDDLE_DB_PATH"            envDefault:"huddle.db"`
	JWTSecret   string `env:"HUDDLE_JWT_SECRET"`
	MediaAppID  uint   `env:"HUDDLE_MEDIA_APP_ID"`
	MediaSecret string `env:"HUDDLE_MEDIA_SERVER_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "coordinator HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "bearer token signing secret")
	fs.UintVar(&cfg.MediaAppID, "media-app-id", cfg.MediaAppID, "media provider application id")
	fs.StringVar(&cfg.MediaSecret, "media-secret", cfg.MediaSecret, "media provider server secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the coordinator and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceHuddled, func(context.Context) error {
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return fmt.Errorf("HUDDLE_JWT_SECRET is required")
		}

		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close store: %v", err)
			}
		}()

		registry := presence.NewRegistry(store)
		hub := realtime.NewHub(registry)
		socialSvc := social.NewService(store, store, hub)
		chatSvc := chat.NewService(store, store, hub)
		callSvc := calls.NewService(store, store, hub)

		var tokens *token.Generator
		if cfg.MediaAppID != 0 && strings.TrimSpace(cfg.MediaSecret) != "" {
			tokens, err = token.NewGenerator(uint32(cfg.MediaAppID), cfg.MediaSecret)
			if err != nil {
				return fmt.Errorf("init media token generator: %w", err)
			}
		} else {
			log.Printf("media credentials not configured, token endpoint disabled")
		}

		auth, err := api.NewAuthenticator(cfg.JWTSecret, store)
		if err != nil {
			return fmt.Errorf("init authenticator: %w", err)
		}
		apiHandler := api.NewHandler(socialSvc, callSvc, tokens, auth)

		dispatcher := realtime.NewDispatcher(registry, hub, socialSvc, chatSvc, callSvc)
		server, err := realtime.NewServer(realtime.Config{HTTPAddr: cfg.HTTPAddr}, dispatcher.Handler(apiHandler))
		if err != nil {
			return fmt.Errorf("init realtime server: %w", err)
		}

		if err := server.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("serve realtime: %w", err)
		}
		return nil
	})
}
