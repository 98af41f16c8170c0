// Command lumid keeps a Lumi hydration and nutrition indicator connected over
// Bluetooth LE and drives it from the alarm engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/lumid/internal/alarm"
	"github.com/chaz8081/lumid/internal/ble"
	"github.com/chaz8081/lumid/internal/config"
	"github.com/chaz8081/lumid/internal/kv"
	"github.com/chaz8081/lumid/internal/notify"
	"github.com/chaz8081/lumid/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/lumid/config.yaml)")
	envPath := flag.String("env", "", "path to .env file with secrets (default: ~/.config/lumid/.env)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	env := *envPath
	if env == "" {
		env = config.DefaultEnvPath()
	}
	if err := config.LoadEnv(".env", env); err != nil {
		log.Fatalf("env: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	hub := server.NewHub()
	notifier := notify.NewAsync(buildNotifiers(cfg.Notify, hub), 10*time.Second)

	opts := cfg.ManagerOptions()
	opts.Store = store
	opts.Notifier = notifier
	manager := ble.NewManager(ble.NewTinyGoTransport(cfg.Device.ScanTimeout), opts)

	driver, err := alarm.NewDriver(manager, alarm.NewStore(store), cfg.DriverOptions())
	if err != nil {
		log.Fatalf("alarm: %v", err)
	}
	manager.Subscribe(driver.HandleEvent)
	manager.Subscribe(hub.HandleEvent)

	var srv *server.Server
	if cfg.Server.Listen != "" {
		srv = server.New(manager, driver, hub, server.Options{
			Addr:          cfg.Server.Listen,
			TokenHash:     cfg.Server.TokenHash,
			PulseDuration: cfg.Alarm.PulseDuration,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("[HTTP] server stopped", "error", err)
			}
		}()
	}

	if cfg.Device.AutoConnect {
		go func() {
			if err := manager.Connect(context.Background()); err != nil {
				slog.Warn("auto-connect failed", "error", err, "hint", ble.Remediation(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("Ready. Ctrl+C to quit.")
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	driver.Stop()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("[HTTP] shutdown", "error", err)
		}
		cancel()
	}
	manager.Close()
	slog.Info("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults (run with -init to write one)")
	return config.Default(), nil
}

func openStore(c config.StoreConfig) (kv.Store, func(), error) {
	if c.Driver == "memory" {
		return kv.NewMemory(), func() {}, nil
	}
	db, err := kv.OpenSQLite(c.Path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

// buildNotifiers assembles the enabled sinks. A sink that fails to start is
// logged and skipped.
func buildNotifiers(c config.NotifyConfig, hub *server.Hub) notify.Notifier {
	sinks := notify.Multi{hub}
	if c.Desktop {
		d, err := notify.NewDesktop("lumid")
		if err != nil {
			slog.Warn("[NOTIFY] desktop notifications unavailable", "error", err)
		} else {
			sinks = append(sinks, d)
		}
	}
	if c.Telegram.Enabled {
		tg, err := notify.NewTelegram(c.Telegram.Token, c.Telegram.ChatID, c.Telegram.BaseURL)
		if err != nil {
			slog.Warn("[NOTIFY] telegram unavailable", "error", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	return sinks
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	device := cfg.Device.Address
	if device == "" {
		device = strings.Join(cfg.Device.NamePrefixes, "|") + "*"
	}
	api := cfg.Server.Listen
	if api == "" {
		api = "disabled"
	}
	fmt.Println("=== lumid ===")
	fmt.Printf("  Device:  %s\n", device)
	fmt.Printf("  Day:     %s-%s\n", cfg.Alarm.DayStart, cfg.Alarm.DayEnd)
	fmt.Printf("  Store:   %s\n", cfg.Store.Driver)
	fmt.Printf("  API:     %s\n", api)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=============")
}
