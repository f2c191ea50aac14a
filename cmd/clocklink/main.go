// Command clocklink is the desktop companion for the ESP32 BLE desk clock.
//
// Usage:
//
//	clocklink [-config path] [command] [args]
//
// Commands:
//
//	run                         connect, keep the clock in sync and serve the local API (default)
//	scan                        list nearby devices for a few seconds
//	sync-time                   connect and send the current date and time
//	alarm list                  list saved alarms
//	alarm add HH:MM[:SS] [name] [-repeat daily|weekdays|Mon,Wed,...]
//	alarm rm ID                 delete an alarm
//	alarm toggle ID             enable or disable an alarm
//	font select N               select a built-in font
//	font list                   list saved custom fonts
//	font upload FILE [name]     save a font bitmap and send it to the clock
//	ringtone list               list melodies in the ringtones file
//	ringtone upload NAME        send a melody from the ringtones file
//	buzzer on|off|test          control the buzzer
//	buzzer volume N             set the buzzer volume (0-100)
//	init-config                 write the default config file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/clocklink/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/clocklink/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	if cmd == "init-config" {
		path, err := config.WriteDefault()
		if err != nil {
			fatal("writing config", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal("startup", err)
	}
	defer a.close()

	if cmd == "run" {
		printBanner(cfg)
	}
	if err := a.dispatch(ctx, cmd, args); err != nil {
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(2)
		}
		a.close()
		fatal(cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: clocklink [-config path] [command] [args]")
	fmt.Fprintln(os.Stderr, "Commands: run, scan, sync-time, alarm, font, ringtone, buzzer, init-config")
	flag.PrintDefaults()
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "clocklink: %s: %v\n", what, err)
	os.Exit(1)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	api := cfg.API.Listen
	if api == "" {
		api = "disabled"
	}
	fmt.Println("=== clocklink ===")
	fmt.Printf("  Device:    %s\n", cfg.Device.TargetName)
	fmt.Printf("  Reconnect: max %ds backoff", cfg.Reconnect.MaxBackoffSeconds)
	if cfg.Reconnect.MaxAttempts > 0 {
		fmt.Printf(", %d attempts", cfg.Reconnect.MaxAttempts)
	}
	fmt.Println()
	fmt.Printf("  Database:  %s\n", cfg.Storage.DBPath)
	fmt.Printf("  API:       %s\n", api)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
