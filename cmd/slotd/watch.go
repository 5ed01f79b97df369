package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/slotd/internal/tui/watch"
)

const apiKeyEnv = "SLOTD_API_KEY"

func runWatch(args []string) int {
	runID, rest := splitPositional(args)

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "", "Daemon API URL (default: derived from api.listen)")
	apiKey := fs.String("api-key", os.Getenv(apiKeyEnv), "API bearer token")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url, key := *apiURL, *apiKey
	if url == "" || key == "" {
		// Fill the gaps from the local config when there is one.
		if cfg, err := loadConfigForTool(*configPath); err == nil {
			if url == "" {
				url = watchURL(cfg.API.Listen)
			}
			if key == "" {
				key = cfg.API.Auth.APIKey
			}
		}
	}
	if url == "" {
		url = "http://localhost:8080"
	}

	p := tea.NewProgram(watch.New(watch.NewClient(url, key), runID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// watchURL turns a listen address into a URL a local client can dial.
func watchURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" || port == "0" {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func printSystemWatchHelp() {
	fmt.Println("Usage: slotd system watch [run_id] [flags]")
	fmt.Println()
	fmt.Println("Live TUI showing daemon health, live sessions and the transcript of one run.")
	fmt.Println("Without run_id it follows the first live session; press enter to follow another.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Daemon API URL (default: derived from api.listen)")
	fmt.Println("  --api-key KEY    Bearer token with runs:ro and events:ro (or SLOTD_API_KEY)")
	fmt.Println("  --config PATH    Config used to fill in a missing URL or key")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select session")
	fmt.Println("  enter            Follow selected session")
	fmt.Println("  PgUp/PgDn        Scroll transcript")
}
