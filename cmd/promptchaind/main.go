// Command promptchaind runs the PromptChain HTTP server exposing chain
// creation, execution, handoff coordination and analytics endpoints.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/promptchain"
	"github.com/hupe1980/promptchain/capability"
	anthropicprovider "github.com/hupe1980/promptchain/capability/anthropic"
	openaiprovider "github.com/hupe1980/promptchain/capability/openai"
	"github.com/hupe1980/promptchain/config"
	"github.com/hupe1980/promptchain/core"
	"github.com/hupe1980/promptchain/logging"
	"github.com/hupe1980/promptchain/server"
	"github.com/hupe1980/promptchain/store"
	"github.com/hupe1980/promptchain/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	logger := logging.NewSlogLogger(parseLogLevel(cfg.Server.LogLevel), "json", false)

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("build provider: %v", err)
	}

	pc := promptchain.New(func(o *promptchain.Options) {
		o.Store = st
		o.Provider = provider
		o.Logger = logger
	})

	handler := server.NewHandler(pc, func(o *server.Options) { o.Logger = logger })

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("promptchaind listening", "addr", addr, "provider", cfg.Provider.Type)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}

func buildStore(cfg *config.Config) (core.Store, func(), error) {
	if cfg.Database.SQLitePath == "" {
		return store.NewInMemoryStore(), func() {}, nil
	}
	st, err := sqlite.New(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}

func buildProvider(cfg *config.Config) (capability.Provider, error) {
	switch cfg.Provider.Type {
	case "mock", "":
		return capability.NewMockProvider(), nil
	case "anthropic":
		return anthropicprovider.NewProvider(func(o *anthropicprovider.Options) {
			o.APIKey = cfg.Provider.APIKey
			if cfg.Provider.StandardModel != "" {
				o.StandardModel = anthropic.Model(cfg.Provider.StandardModel)
			}
			if cfg.Provider.LiteModel != "" {
				o.LiteModel = anthropic.Model(cfg.Provider.LiteModel)
			}
		}), nil
	case "openai":
		return openaiprovider.NewProvider(func(o *openaiprovider.Options) {
			if cfg.Provider.StandardModel != "" {
				o.StandardModel = cfg.Provider.StandardModel
			}
			if cfg.Provider.LiteModel != "" {
				o.LiteModel = cfg.Provider.LiteModel
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}
