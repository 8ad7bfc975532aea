package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/controlplane"
	"github.com/Mindburn-Labs/steward/pkg/observability"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "propose":
		return runPropose(args[2:], stdout, stderr)
	case "templates":
		return runTemplates(args[2:], stdout, stderr)
	case "check-url":
		return runCheckURL(args[2:], stdout, stderr)
	case "sign-webhook":
		return runSignWebhook(args[2:], stdout, stderr)
	case "serve-webhooks":
		return runServeWebhooks(args[2:], stdout, stderr)
	case "demo":
		return runDemo(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "steward %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "steward %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  steward <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "propose", "Draft a proposal from text (text is never stored)")
	printCommand(w, "templates", "List policy templates")
	printCommand(w, "check-url", "Evaluate a URL against the network policy")
	printCommand(w, "sign-webhook", "Print a signed webhook payload (--type)")
	printCommand(w, "serve-webhooks", "Run the inbound webhook relay (--addr)")
	printCommand(w, "demo", "Propose, approve, authorize and execute in memory")
	printCommand(w, "export", "Write an export packet (--kind, --out)")
	printCommand(w, "version", "Show version information")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from STEWARD_* environment variables and an optional .env file.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-16s %s\n", name, desc)
}

// loadConfig reads .env and the environment.
func loadConfig(stderr io.Writer) (*config.Config, bool) {
	if err := config.LoadDotEnv(""); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return config.Load(), true
}

// openService builds the control plane from cfg with a JSON logger on stderr.
func openService(ctx context.Context, cfg *config.Config, stderr io.Writer) (*controlplane.Service, bool) {
	logger := observability.NewLogger(cfg.LogLevel, stderr)
	svc, err := controlplane.New(ctx, cfg, controlplane.WithLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return svc, true
}
