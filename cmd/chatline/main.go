package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/matheus3301/chatline/internal/app"
	"github.com/matheus3301/chatline/internal/bus"
	"github.com/matheus3301/chatline/internal/config"
	"github.com/matheus3301/chatline/internal/messenger"
	"github.com/matheus3301/chatline/internal/profile"
	"github.com/matheus3301/chatline/internal/tui"
	"github.com/matheus3301/chatline/internal/tui/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatline/config.toml)")
	flag.Parse()

	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	profileName := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var (
		msgr   *messenger.Messenger
		events *bus.Bus
		logger *zap.Logger
	)
	fxApp := fx.New(
		app.Module(app.Params{Profile: profileName, Config: cfg}),
		fx.Populate(&msgr, &events, &logger),
		fx.NopLogger,
	)
	if err := fxApp.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ui := tui.NewApp(model.New(msgr, events), tui.Options{
		Profile: profileName,
		BaseURL: cfg.BaseURL,
		Logger:  logger,
	})
	runErr := ui.Run()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := fxApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
