// main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/careline/careline/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "careline.json", "Config file (.json or .yaml)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("careline v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	command := "run"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		exitOnError(runClient(false))

	case "answer":
		exitOnError(runClient(true))

	case "send":
		if len(args) < 3 {
			usageError("send requires a peer, a role and a message",
				"careline send <user-id> <patient|doctor> <text...>")
		}
		exitOnError(runSend(args[0], args[1], strings.Join(args[2:], " ")))

	case "call":
		if len(args) < 2 {
			usageError("call requires a peer and a role",
				"careline call <user-id> <patient|doctor> [audio|video]")
		}
		kind := "video"
		if len(args) > 2 {
			kind = args[2]
		}
		exitOnError(runCall(args[0], args[1], kind))

	case "history":
		peer := ""
		if len(args) > 0 {
			peer = args[0]
		}
		exitOnError(runHistory(peer))

	case "version":
		fmt.Printf("careline v%s\n", appVersion)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func usageError(msg, usage string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
	os.Exit(1)
}

func loadConfig() (string, config.Config, error) {
	cfg, created, err := config.Ensure(*cfgFlag)
	if err != nil {
		return "", config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s; set identity.user_id, identity.role and a token.\n", *cfgFlag)
	}
	return *cfgFlag, cfg, nil
}

func showUsage() {
	fmt.Println("careline - chat and calls over the care relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  careline [options] <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run")
	fmt.Println("        Connect and log chat and call activity (default)")
	fmt.Println()
	fmt.Println("  answer")
	fmt.Println("        Like run, but accept every incoming call")
	fmt.Println()
	fmt.Println("  send <user-id> <patient|doctor> <text...>")
	fmt.Println("        Send one chat message and exit")
	fmt.Println()
	fmt.Println("  call <user-id> <patient|doctor> [audio|video]")
	fmt.Println("        Place a call and stay in it until either side hangs up")
	fmt.Println()
	fmt.Println("  history [user-id]")
	fmt.Println("        Print the conversation with a user from the REST API,")
	fmt.Println("        or list cached conversations when no user is given")
	fmt.Println()
	fmt.Println("  version")
	fmt.Println("        Show version information")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Config file (default careline.json, created if missing)")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  careline -config doctor.yaml run")
	fmt.Println("  careline send p-1001 patient \"Your results are in\"")
	fmt.Println("  careline call d-42 doctor audio")
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    careline client                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.UserID != "" {
		fmt.Printf("User:           %s (%s)\n", cfg.Identity.UserID, cfg.Identity.Role)
	}
	fmt.Printf("Relay:          %s\n", cfg.Relay.URL)
	if cfg.API.BaseURL != "" {
		fmt.Printf("API:            %s\n", cfg.API.BaseURL)
	}
	if cfg.Storage.Path != "" {
		fmt.Printf("Cache:          %s\n", cfg.Storage.Path)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
