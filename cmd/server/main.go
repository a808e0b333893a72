// Package main provides the entry point for the GeminiRelay server.
// The server exposes a Claude-compatible messages API and translates
// traffic to an upstream Gemini-style generation service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/cloudrelay/geminirelay/internal/api"
	"github.com/cloudrelay/geminirelay/internal/auth/google"
	"github.com/cloudrelay/geminirelay/internal/config"
	"github.com/cloudrelay/geminirelay/internal/executor"
	"github.com/cloudrelay/geminirelay/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	login := flag.Bool("login", false, "run the interactive login flow and exit")
	noBrowser := flag.Bool("no-browser", false, "print the authorization URL instead of opening a browser")
	flag.Parse()

	cfg, errLoad := config.LoadConfig(*configPath)
	if errLoad != nil {
		log.Fatalf("load config: %v", errLoad)
	}
	logging.SetupBaseLogger(cfg.Debug)
	if cfg.LogFile != "" {
		logging.SetupFileOutput(cfg.LogFile)
	}

	credStore := google.NewCredentialStore(cfg.AuthDir)

	if *login {
		runLogin(cfg, credStore, *noBrowser)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(*configPath, cfg)
	watcher, errWatch := store.Watch()
	if errWatch != nil {
		log.Warnf("config watch disabled: %v", errWatch)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	tokens := google.NewManager(credStore)
	exec := executor.NewGeminiExecutor(cfg.Upstream, tokens)
	server := api.NewServer(store, exec)

	if errRun := server.Run(ctx); errRun != nil {
		log.Fatalf("server: %v", errRun)
	}
}

func runLogin(cfg *config.Config, credStore *google.CredentialStore, noBrowser bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, errLogin := google.Login(ctx, credStore, google.LoginOptions{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		CallbackPort: cfg.OAuth.CallbackPort,
		NoBrowser:    noBrowser,
	})
	if errLogin != nil {
		log.Errorf("login failed: %v", errLogin)
		os.Exit(1)
	}
	log.Infof("credentials saved to %s", credStore.Path())
}
