package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/formbroker/internal/config"
)

// lockedFiles are the config-directory files covered by .checksums.
var lockedFiles = []string{"config.yaml"}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "help", "--help", "-h":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: formbroker config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printConfigLockHelp() {
	fmt.Println("Usage: formbroker config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Write BLAKE3 hashes of the config directory to .checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: formbroker config check [--config PATH] [--json]")
	fmt.Println("Validate configuration, integrity hashes and provider manifests.")
}

// checkResult is the --json output of config check.
type checkResult struct {
	Valid     bool     `json:"valid"`
	Config    string   `json:"config"`
	Providers []string `json:"providers"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func runConfigCheck(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	res := checkResult{Config: configPath, Providers: []string{}}
	report := func(code int) int {
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
			return code
		}
		if res.Error != "" {
			fmt.Fprintf(os.Stderr, "Config check failed: %s\n", res.Error)
			return code
		}
		for _, w := range res.Warnings {
			fmt.Printf("WARN %s\n", w)
		}
		fmt.Printf("Configuration valid: %s (%d providers)\n", res.Config, len(res.Providers))
		return code
	}

	cfg, path, err := loadConfig(configPath)
	res.Config = path
	if err != nil {
		res.Error = err.Error()
		return report(1)
	}

	cat, err := discoverProviders(cfg.ProvidersDir, func(level, msg string, args ...any) {
		if level == "warn" || level == "error" {
			res.Warnings = append(res.Warnings, fmt.Sprint(append([]any{msg}, args...)...))
		}
	})
	if err != nil {
		res.Error = err.Error()
		return report(1)
	}
	for _, p := range cat.Providers() {
		res.Providers = append(res.Providers, p.Bundle)
	}
	if cfg.API.Enabled && cfg.API.APIKey == "" {
		res.Warnings = append(res.Warnings, "api.enabled is set without api.api_key; every request will be rejected")
	}
	if cfg.Renderer.Entrypoint == "" {
		res.Warnings = append(res.Warnings, "renderer.entrypoint is empty; declarative forms cannot be rendered")
	}
	res.Valid = true
	return report(0)
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}
	dir := configPath
	if info, err := os.Stat(configPath); err != nil || !info.IsDir() {
		dir = filepath.Dir(configPath)
	}

	if isVerbose {
		fmt.Printf("Processing directory: %s\n", dir)
	}
	report, err := config.GenerateChecksumsWithReport(dir, lockedFiles, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock %s: %v\n", dir, err)
		return 1
	}

	if isVerbose {
		for _, f := range report.Files {
			if !f.Exists {
				fmt.Printf("SKIP %s: not found\n", f.Filename)
				continue
			}
			fmt.Printf("HASH %s: %s\n", f.Filename, f.Hash)
		}
		if report.Written {
			fmt.Printf("WROTE .checksums: %s\n", report.ChecksumPath)
		} else {
			fmt.Printf("DRY-RUN .checksums: %s\n", report.ChecksumPath)
		}
	}

	if dryRun {
		fmt.Println("Dry run completed; no files written")
		return 0
	}
	fmt.Printf("Locked %s\n", dir)
	return 0
}
