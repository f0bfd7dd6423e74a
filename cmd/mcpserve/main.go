// Command mcpserve is the headless launcher for the tool-exposure server:
// it resolves the install-relative config and log locations, hydrates the
// server from config.json, registers the standard tools and drives the
// cooperative pump loop until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/mcpserve/internal/config"
	"github.com/codefionn/mcpserve/internal/lockfile"
	"github.com/codefionn/mcpserve/internal/logger"
	"github.com/codefionn/mcpserve/internal/server"
	"github.com/codefionn/mcpserve/internal/tools"
)

// pumpInterval matches the 30 ms GUI timer the server was originally
// driven by.
const pumpInterval = 30 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configDir = flag.String("config-dir", "", "configuration directory (default: <executable dir>/config)")
		logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error, none")
	)
	flag.Parse()

	dir := *configDir
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		dir = filepath.Join(filepath.Dir(exe), "config")
	}
	configPath := filepath.Join(dir, "config.json")
	logPath := filepath.Join(dir, "log", "mcpserver.log")

	lock := lockfile.New(filepath.Join(dir, "mcpserve.lock"))
	if err := lock.TryAcquire(); err != nil {
		return err
	}
	defer lock.Release()

	// Load reports a missing file as a successful load; check for it here so
	// a first run still writes the defaults out.
	_, statErr := os.Stat(configPath)
	cfg, ok := config.Load(configPath)
	if err := logger.Init(logger.ParseLevel(*logLevel), logPath, cfg.MaxLogSizeMB); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Global().Close()

	if !ok || os.IsNotExist(statErr) {
		logger.Log("Conf missing/invalid (" + configPath + "); defaults.")
		if err := config.Save(configPath, cfg); err != nil {
			logger.Warn("Failed to save default config: %v", err)
		} else {
			logger.Log("Default conf saved: " + configPath)
		}
	} else {
		logger.Log("Conf loaded: " + configPath)
	}

	srv := server.New(cfg.ServerPort, cfg.WSPathPrefix)
	srv.SetLogCallback(logger.Log)
	tools.RegisterStandard(srv.Registry())
	srv.ApplyConfig(cfg)

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	reload, closeWatcher, err := watchConfig(configPath)
	if err != nil {
		logger.Warn("Config watch unavailable: %v", err)
	} else {
		defer closeWatcher()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			srv.PumpEvents()
		case <-reload:
			// Only live-safe settings are picked up mid-run; listener
			// settings require a restart.
			if next, ok := config.Load(configPath); ok {
				logger.Log("Config change detected; applying tool and permission updates.")
				srv.ApplyLiveConfig(next)
			}
		case sig := <-stop:
			logger.Log("Received " + sig.String() + "; shutting down.")
			return nil
		}
	}
}

// watchConfig signals on the returned channel whenever path is rewritten.
// Events are collapsed; the receiver reloads the file itself.
func watchConfig(path string) (<-chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	changed := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error: %v", err)
			}
		}
	}()
	return changed, func() { _ = watcher.Close() }, nil
}
