// modelstat reports rendering statistics for glTF and GLB models.
package main

import (
	"fmt"
	"os"

	"github.com/Faultbox/modelstats/internal/config"
	"github.com/Faultbox/modelstats/internal/logger"
)

func main() {
	// Global flags come before the command
	config.ParseFlags()

	args := config.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	args = args[1:]

	switch command {
	case "help", "-h", "--help":
		printUsage()
		return
	case "config":
		cmdConfig(args)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Sugar.Debugf("Config: %+v", cfg)

	var code int
	switch command {
	case "analyze", "a":
		code = cmdAnalyze(cfg, args)
	case "watch", "w":
		code = cmdWatch(cfg, args)
	case "serve":
		code = cmdServe(cfg, args)
	case "history", "hist":
		code = cmdHistory(cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		code = 1
	}

	if code != 0 {
		logger.Sync()
		os.Exit(code)
	}
}

func printUsage() {
	fmt.Println(`modelstat - glTF/GLB model statistics

Usage:
  modelstat [global options] <command> [options]

Commands:
  analyze <url|path> [-map name=path]... [-json]   Analyze a model once
  watch <path> [-map name=path]...                 Re-analyze a local model on change
  serve                                            Serve HTTP and WebSocket API
  history [url] [-n N]                             Show recorded analyses
  config init [-path file] [-force]                Write a default config file

Global options:
  -config <file>    Config file (default ./modelstat.yaml, then user config dir)
  -debug            Enable debug logging
  -addr <addr>      Server listen address
  -db <file>        History database path
  -no-history       Do not record analyses
  -quality <level>  Viewer quality for LOD advice (low, medium, high)

Examples:
  modelstat analyze https://example.com/models/car.glb
  modelstat analyze ./scene.gltf -map textures/wood.png=./wood_2k.png -json
  modelstat -quality low watch ./scene.gltf
  modelstat -addr :8787 serve`)
}
