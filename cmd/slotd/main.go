package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/slotd/internal/config"
	"github.com/mattjoyce/slotd/internal/doctor"
	"github.com/mattjoyce/slotd/internal/inspect"
	"github.com/mattjoyce/slotd/internal/lock"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/storage"
	"github.com/mattjoyce/slotd/internal/workspace"
)

const version = "0.1.0"

// configEnv names the config file when --config is not given.
const configEnv = "SLOTD_CONFIG"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "agent":
		os.Exit(runAgentNoun(args))
	case "workspace":
		os.Exit(runWorkspaceNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		os.Exit(runStart(args))
	case "doctor":
		os.Exit(runConfigCheck(args))
	case "version":
		fmt.Printf("slotd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`slotd - one live session per agent, everything else waits in line

Usage:
  slotd <noun> <action> [flags]

Core Resources (Nouns):
  system     Daemon lifecycle
  config     Configuration validation
  agent      Offline queue and run history
  workspace  Agent working directories

System Commands:
  system start          Start the daemon in the foreground
  system status         Report whether a daemon holds the state lock
  system watch [run]    Live TUI of sessions and a run's transcript

Config Commands:
  config check          Validate configuration against this host
  config show           Print the resolved configuration (secrets redacted)

Agent Commands:
  agent inspect <key>   Show queue, failures, recent runs and workspaces

Workspace Commands:
  workspace prune       Remove project workspaces older than a cutoff

General:
  version               Show version information
  help                  Show this help message

The config path comes from --config, then $SLOTD_CONFIG, then ./config.yaml.
Use 'slotd <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runAgentNoun(args []string) int {
	if len(args) < 1 {
		printAgentNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAgentNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printAgentInspectHelp()
			return 0
		}
		return runAgentInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent action: %s\n", action)
		return 1
	}
}

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 {
		printWorkspaceNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkspaceNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "prune":
		if hasHelpFlag(actionArgs) {
			printWorkspacePruneHelp()
			return 0
		}
		return runWorkspacePrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: slotd system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: slotd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show")
}

func printAgentNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: slotd agent <action>")
	fmt.Fprintln(w, "Actions: inspect")
}

func printWorkspaceNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: slotd workspace <action>")
	fmt.Fprintln(w, "Actions: prune")
}

func printSystemStartHelp() {
	fmt.Println("Usage: slotd system start [--config PATH]")
	fmt.Println("Start the daemon in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: slotd system status [--config PATH]")
	fmt.Println("Report whether a daemon holds the state lock, and its PID.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: slotd config check [--config PATH] [--format human|json] [--json] [--strict] [--expect-hash HEX]")
	fmt.Println("Validate configuration against this host and print its BLAKE3 digest.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: slotd config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with secrets redacted.")
}

func printAgentInspectHelp() {
	fmt.Println("Usage: slotd agent inspect <agent_key> [--config PATH] [--runs N] [--json]")
	fmt.Println("Show an agent's queue, failed jobs, recent runs and workspaces.")
}

func printWorkspacePruneHelp() {
	fmt.Println("Usage: slotd workspace prune --older-than DURATION [--config PATH]")
	fmt.Println("Remove project workspaces not modified within DURATION (e.g. 168h).")
}

// --- ACTION IMPLEMENTATIONS ---

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(configEnv)); env != "" {
		return env
	}
	return "config.yaml"
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	return config.Load(resolveConfigPath(configPath))
}

// splitPositional separates the first bare argument from flags so flags may
// follow it, as in 'slotd agent inspect writer --json'.
func splitPositional(args []string) (string, []string) {
	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") && positional == "" {
			positional = arg
			continue
		}
		rest = append(rest, arg)
		// Keep a flag's separate value attached to it.
		if strings.HasPrefix(arg, "-") && !strings.Contains(arg, "=") && takesValue(arg) && i+1 < len(args) {
			i++
			rest = append(rest, args[i])
		}
	}
	return positional, rest
}

func takesValue(flagArg string) bool {
	switch strings.TrimLeft(flagArg, "-") {
	case "config", "runs", "api-url", "api-key":
		return true
	}
	return false
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	lockPath := lock.PathFor(cfg.State.Path)
	l, err := lock.AcquirePIDLock(lockPath)
	if err == nil {
		_ = l.Release()
		fmt.Printf("slotd is not running (state %s)\n", cfg.State.Path)
		return 3
	}
	if !errors.Is(err, lock.ErrLocked) {
		fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
		return 1
	}
	if pid, ok := lock.ReadPID(lockPath); ok {
		fmt.Printf("slotd is running (pid %d, state %s)\n", pid, cfg.State.Path)
	} else {
		fmt.Printf("slotd is running (state %s)\n", cfg.State.Path)
	}
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, format, expectHash string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	fs.StringVar(&expectHash, "expect-hash", "", "Fail unless the config file has this BLAKE3 digest")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	if expectHash != "" {
		if err := config.VerifyDigest(cfg.SourcePath, expectHash); err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
			return 1
		}
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

const redacted = "<redacted>"

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	shown := *cfg
	if shown.API.Auth.APIKey != "" {
		shown.API.Auth.APIKey = redacted
	}
	shown.API.Auth.Tokens = make([]config.APIToken, len(cfg.API.Auth.Tokens))
	for i, t := range cfg.API.Auth.Tokens {
		shown.API.Auth.Tokens[i] = config.APIToken{Token: redacted, Scopes: t.Scopes}
	}
	if cfg.Webhooks != nil {
		wc := *cfg.Webhooks
		wc.Endpoints = make([]config.WebhookEndpoint, len(cfg.Webhooks.Endpoints))
		for i, ep := range cfg.Webhooks.Endpoints {
			ep.Secret = redacted
			wc.Endpoints[i] = ep
		}
		shown.Webhooks = &wc
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(shown); err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		return 0
	}
	data, err := yaml.Marshal(shown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "YAML format error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runAgentInspect(args []string) int {
	var configPath string
	var jsonOut bool
	var runs int

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")
	fs.IntVar(&runs, "runs", 10, "Number of recent runs to show")

	agentKey, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if agentKey == "" {
		fmt.Fprintf(os.Stderr, "Usage: slotd agent inspect <agent_key> [--config PATH] [--runs N] [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	opts := inspect.Options{WorkspaceBaseDir: cfg.Workspace.BaseDir, RunLimit: runs}
	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, queue.New(db), agentKey, opts)
	} else {
		report, err = inspect.BuildReport(ctx, queue.New(db), agentKey, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func runWorkspacePrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 0, "Remove workspaces not modified within this duration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *olderThan <= 0 {
		fmt.Fprintf(os.Stderr, "Usage: slotd workspace prune --older-than DURATION [--config PATH]\n")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ws, err := workspace.NewFSManager(cfg.Workspace.BaseDir, cfg.Workspace.TemplateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workspace error: %v\n", err)
		return 1
	}
	var pruner workspace.Pruner = ws

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	report, err := pruner.Cleanup(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed after %d removal(s): %v\n", report.DeletedDirs, err)
		return 1
	}
	fmt.Printf("Removed %d workspace(s) older than %s from %s\n", report.DeletedDirs, *olderThan, cfg.Workspace.BaseDir)
	return 0
}
