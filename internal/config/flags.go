package config

import "flag"

var (
	flagConfig    = flag.String("config", "", "Path to config file")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging")
	flagAddr      = flag.String("addr", "", "Server listen address")
	flagDB        = flag.String("db", "", "History database path")
	flagNoHistory = flag.Bool("no-history", false, "Disable analysis history")
	flagQuality   = flag.String("quality", "", "Viewer quality for LOD advice (low, medium, high)")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// Args returns the non-flag arguments left after ParseFlags.
func Args() []string {
	return flag.Args()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagAddr != "" {
		cfg.Server.Addr = *flagAddr
	}
	if *flagDB != "" {
		cfg.Store.Path = *flagDB
	}
	if *flagNoHistory {
		cfg.Store.Enabled = false
	}
	if *flagQuality != "" {
		cfg.Viewer.Quality = *flagQuality
	}
}
