// Command stashd runs the build-artifact cache server daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/buildstash/stash/internal/core"
	"github.com/buildstash/stash/internal/settings"
	"github.com/buildstash/stash/pkg/transport"
	"github.com/buildstash/stash/pkg/transport/quic"
	"github.com/buildstash/stash/pkg/transport/tcp"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	commitHash = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", defaultConfigPath(), "path to the settings file")
		transportName = flag.String("transport", "tcp", "stream transport (tcp or quic)")
		debug         = flag.Bool("debug", false, "enable debug logging")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("stashd %s (%s)\n", version, commitHash)
		return
	}

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *configPath, *transportName); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(log *zap.Logger, configPath, transportName string) error {
	manager := settings.NewManager(log.Named("settings"), configPath)
	if err := manager.Load(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if manager.IsFirstLaunch() {
		applyFirstLaunchDefaults(manager, configPath)
		if err := manager.Save(); err != nil {
			return fmt.Errorf("write initial settings: %w", err)
		}
		log.Info("first launch, wrote default settings", zap.String("path", configPath))
	}

	registry := transport.NewRegistry()
	registry.Register(tcp.New())
	registry.Register(quic.New())

	tr, ok := registry.Get(transportName)
	if !ok {
		return fmt.Errorf("unknown transport %q (have: %v)", transportName, registry.List())
	}

	server := core.New(core.Options{
		Log:       log,
		Settings:  manager,
		Transport: tr,
	})

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info("shutting down", zap.String("signal", sig.String()))

	server.Stop()
	return nil
}

func applyFirstLaunchDefaults(manager *settings.Manager, configPath string) {
	if manager.Folder() == "" {
		manager.SetFolder(filepath.Join(filepath.Dir(configPath), "cache"))
	}
	if manager.OwnName() == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "stash"
		}
		manager.SetOwnName(hostname)
	}
}

func defaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "stash.yaml"
	}
	return filepath.Join(configDir, "stash", "stash.yaml")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
