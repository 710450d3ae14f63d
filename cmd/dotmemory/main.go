// DotMemory - tiered conversational memory for LLM agents
// License: MIT
//
// Copyright (c) 2026 DotMemory contributors

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotmemory"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DOTMEMORY_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotmemory", "config.json")
}

// openService loads config, configures logging and builds the memory
// service with the configured providers. Callers own Close.
func openService(configPath string, logOut io.Writer, worker bool) (*memory.Service, *config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logger.SetOutput(logOut, cfg.Logging.JSON)
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	embedder, err := providers.CreateEmbedder(cfg)
	if err != nil {
		return nil, nil, err
	}
	summarize, err := providers.CreateSummarizer(cfg)
	if err != nil {
		return nil, nil, err
	}

	memCfg := cfg.MemoryConfig()
	if !worker {
		memCfg.DisableWorker = true
	}
	svc, err := memory.NewService(memCfg, embedder, summarize)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}
