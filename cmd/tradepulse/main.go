package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/app"
	"github.com/quantpulse/tradepulse/internal/config"
	"github.com/quantpulse/tradepulse/internal/indicator"
	"github.com/quantpulse/tradepulse/internal/session"
	"github.com/quantpulse/tradepulse/internal/strategy"
)

const (
	appName    = "tradepulse"
	appVersion = "1.2.0"
)

// Exit codes
const (
	exitOK              = 0
	exitValidation      = 2
	exitConfigMissing   = 3
	exitDepUnavailable  = 4
	exitSessionConflict = 5
	exitInternal        = 10
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitValidation)
	}

	command := os.Args[1]
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	switch command {
	case "run":
		os.Exit(runEngine(os.Args[2:]))
	case "validate":
		os.Exit(validateStrategy(os.Args[2:]))
	case "version":
		fmt.Printf("%s v%s\n", appName, appVersion)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(exitValidation)
	}
}

func printUsage() {
	fmt.Printf("%s v%s\n", appName, appVersion)
	fmt.Printf("Usage: %s <command> [options]\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  run        - Run the trading engine")
	fmt.Println("  validate   - Validate a strategy definition file")
	fmt.Println("  version    - Show version information")
	fmt.Println("  help       - Show this help message")
}

func runEngine(args []string) int {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", "", "config directory")
	flags.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfigMissing
	}

	logger, err := config.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return exitInternal
	}
	defer logger.Sync()

	engine := app.New(cfg, logger)

	startCtx, cancel := context.WithTimeout(context.Background(), engine.StartTimeout())
	defer cancel()
	if err := engine.Start(startCtx); err != nil {
		logger.Error("Engine failed to start", zap.Error(err))
		switch {
		case errors.Is(err, session.ErrSessionConflict):
			return exitSessionConflict
		default:
			return exitDepUnavailable
		}
	}

	logger.Info("Engine running", zap.String("version", appVersion))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	stopCtx, cancelStop := context.WithTimeout(context.Background(), engine.StopTimeout())
	defer cancelStop()
	if err := engine.Stop(stopCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
		return exitInternal
	}
	return exitOK
}

func validateStrategy(args []string) int {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	file := flags.String("file", "", "strategy definition JSON")
	flags.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "validate: -file is required")
		return exitValidation
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		return exitConfigMissing
	}

	var def strategy.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		return exitValidation
	}

	catalog := indicator.NewCatalog()
	if err := indicator.RegisterDefaults(catalog); err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		return exitInternal
	}

	warnings, err := strategy.NewValidator(catalog).Validate(&def)
	if err != nil {
		var verr *strategy.ValidationError
		if errors.As(err, &verr) {
			for section, msgs := range verr.Sections {
				for _, msg := range msgs {
					fmt.Fprintf(os.Stderr, "%s: %s\n", section, msg)
				}
			}
			return exitValidation
		}
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		return exitInternal
	}

	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("%s: ok\n", def.StrategyName)
	return exitOK
}
