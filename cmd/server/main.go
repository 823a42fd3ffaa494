// Command server runs the gateway: the HTTP front, the rotation controller,
// and the agent control channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/StudioProxyAPI/internal/api"
	"github.com/router-for-me/StudioProxyAPI/internal/browser"
	"github.com/router-for-me/StudioProxyAPI/internal/config"
	"github.com/router-for-me/StudioProxyAPI/internal/coordinator"
	"github.com/router-for-me/StudioProxyAPI/internal/credential"
	"github.com/router-for-me/StudioProxyAPI/internal/link"
	"github.com/router-for-me/StudioProxyAPI/internal/logging"
	"github.com/router-for-me/StudioProxyAPI/internal/rotation"
	"github.com/router-for-me/StudioProxyAPI/internal/usage"
)

func main() {
	var configPath string
	var openStatus bool

	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.BoolVar(&openStatus, "open", false, "Open the status page in the default browser")
	flag.Parse()

	logging.SetupBaseLogger()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	if strings.HasPrefix(cfg.AuthDir, "~") {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			log.Fatalf("failed to get home directory: %v", errHome)
		}
		cfg.AuthDir = path.Join(home, strings.TrimPrefix(cfg.AuthDir, "~"))
	}

	store := credential.NewStore(cfg.AuthDir)
	if !store.HasAvailable() {
		log.Fatalf("no valid credentials found (auth dir %s, env AUTH_JSON_<N>)", cfg.AuthDir)
	}
	log.Infof("loaded %d credential(s)", len(store.AvailableIndices()))

	var binder rotation.SessionBinder
	if cfg.BrowserControlURL != "" {
		binder = browser.NewControlBinder(cfg.BrowserControlURL, cfg.ProxyURL)
	} else {
		binder = browser.LogBinder{}
	}

	controller, err := rotation.NewController(store, binder, rotation.Settings{
		FailureThreshold:           cfg.FailureThreshold,
		SwitchOnUses:               cfg.SwitchOnUses,
		ImmediateSwitchStatusCodes: cfg.ImmediateSwitchStatusCodes,
		InitialIndex:               cfg.InitialAuthIndex,
	})
	if err != nil {
		log.Fatalf("failed to create rotation controller: %v", err)
	}

	var stats *usage.Store
	if cfg.UsageStatsPath != "" {
		stats, err = usage.Open(cfg.UsageStatsPath)
		if err != nil {
			log.Fatalf("failed to open usage stats store: %v", err)
		}
		controller.SetRecorder(stats)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = controller.Start(ctx); err != nil {
		log.Fatalf("failed to bind initial credential: %v", err)
	}

	agentLink := link.NewAgentLink(link.DefaultReconnectGrace)
	co := coordinator.New(cfg, agentLink, controller)
	server := api.NewServer(cfg, co, agentLink, controller, store, stats)

	// Credential hot reload only applies in file mode.
	if !store.EnvMode() {
		watcher, errWatch := credential.NewWatcher(store, func() {
			log.Infof("credentials reloaded, %d available", len(store.AvailableIndices()))
		})
		if errWatch != nil {
			log.Warnf("credential watcher unavailable: %v", errWatch)
		} else if errWatch = watcher.Start(ctx); errWatch == nil {
			defer func() { _ = watcher.Stop() }()
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	if openStatus {
		statusURL := fmt.Sprintf("http://127.0.0.1:%d/", cfg.Port)
		if errOpen := browser.OpenURL(statusURL); errOpen != nil {
			log.Warnf("failed to open status page: %v", errOpen)
		}
	}

	select {
	case err = <-serverErr:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err = server.Stop(shutdownCtx); err != nil {
			log.Errorf("shutdown error: %v", err)
		}
	}

	if stats != nil {
		_ = stats.Close()
	}
}
