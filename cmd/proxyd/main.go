// proxyd: dual-protocol SOCKS5 and HTTP forward proxy daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dualproxy/internal/auth"
	"dualproxy/internal/config"
	"dualproxy/internal/debug"
	"dualproxy/internal/service"
	"dualproxy/internal/supervisor"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "run":
		cmdRun()
	case "auth":
		cmdAuth()
	case "check-config":
		cmdCheckConfig()
	case "probe":
		cmdProbe()
	case "install-service":
		cmdInstallService()
	case "remove-service":
		cmdRemoveService()
	case "logs":
		cmdLogs()
	case "restart":
		cmdRestart()
	case "version":
		fmt.Printf("proxyd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`proxyd %s — dual-protocol SOCKS5/HTTP forward proxy

Usage:
  proxyd <command> [options]

Commands:
  run              Start the proxy daemon
  auth             Manage configured users (add-user, remove-user, list-users)
  check-config     Validate a configuration file
  probe            Check connectivity to a running proxy's SOCKS5 listener
  install-service  Install as a systemd service
  remove-service   Remove the systemd service
  logs             Show recent systemd journal logs
  restart          Restart the installed systemd service
  version          Show version

`, version)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("c", "config.toml", "Config file path")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(os.Args[1:])

	logger := buildLogger(*debugMode)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	var authenticator auth.Authenticator
	if cfg.Auth.Required {
		fa, err := auth.NewFileAuthenticator(cfg)
		if err != nil {
			logger.Fatal("load auth users", zap.Error(err))
		}
		authenticator = fa
	} else {
		authenticator = auth.NoAuth{}
	}

	srv := supervisor.New(cfg, authenticator, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("proxyd starting", zap.String("version", version))
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("proxyd stopped")
}

func cmdAuth() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: proxyd auth <add-user|remove-user|list-users> [options]")
		os.Exit(1)
	}
	sub := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch sub {
	case "add-user":
		cmdAuthAddUser()
	case "remove-user":
		cmdAuthRemoveUser()
	case "list-users":
		cmdAuthListUsers()
	default:
		fmt.Fprintf(os.Stderr, "Unknown auth subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func cmdAuthAddUser() {
	fs := flag.NewFlagSet("auth add-user", flag.ExitOnError)
	configPath := fs.String("c", "config.toml", "Config file path")
	password := fs.String("password", "", "Password (auto-generated if empty)")
	fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: proxyd auth add-user <username> [-c config.toml] [--password <p>]")
		os.Exit(1)
	}
	username := fs.Arg(0)

	secret, err := auth.AddUser(*configPath, username, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("User %q added to %s\n", username, *configPath)
	if secret != "" {
		fmt.Printf("Generated password: %s\n", secret)
	}
	fmt.Println("Restart the daemon to apply changes.")
}

func cmdAuthRemoveUser() {
	fs := flag.NewFlagSet("auth remove-user", flag.ExitOnError)
	configPath := fs.String("c", "config.toml", "Config file path")
	fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: proxyd auth remove-user <username> [-c config.toml]")
		os.Exit(1)
	}
	username := fs.Arg(0)

	if err := auth.RemoveUser(*configPath, username); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("User %q removed from %s\n", username, *configPath)
}

func cmdAuthListUsers() {
	fs := flag.NewFlagSet("auth list-users", flag.ExitOnError)
	configPath := fs.String("c", "config.toml", "Config file path")
	fs.Parse(os.Args[1:])

	out, err := auth.ListUsers(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(out)
}

func cmdCheckConfig() {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("c", "config.toml", "Config file path")
	fs.Parse(os.Args[1:])

	fmt.Print(debug.CheckConfig(*configPath))
	if _, err := config.Load(*configPath); err != nil {
		os.Exit(1)
	}
}

func cmdProbe() {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:1080", "SOCKS5 listener address")
	timeout := fs.Duration("timeout", 5*time.Second, "Dial timeout")
	fs.Parse(os.Args[1:])

	result := debug.ProbeSOCKS5(*addr, *timeout)
	fmt.Print(debug.FormatProbeResult(*addr, result))
	if result.Err != nil {
		os.Exit(1)
	}
}

func cmdInstallService() {
	fs := flag.NewFlagSet("install-service", flag.ExitOnError)
	configPath := fs.String("c", "config.toml", "Config file to install")
	fs.Parse(os.Args[1:])

	if err := service.Install(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Println("You may need to run as root.")
		os.Exit(1)
	}
}

func cmdRemoveService() {
	if err := service.Remove(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdLogs() {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	lines := fs.Int("n", 50, "Number of log lines to show")
	fs.Parse(os.Args[1:])

	if err := service.Logs(*lines); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdRestart() {
	if err := service.Restart(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildLogger(debugMode bool) *zap.Logger {
	var cfg zap.Config
	if debugMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
