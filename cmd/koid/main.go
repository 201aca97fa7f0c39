package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/koi-chat/koi/internal/config"
	"github.com/koi-chat/koi/internal/daemon"
	"github.com/koi-chat/koi/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	// A .env is optional; explicit environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
			os.Exit(1)
		}
		// No config file yet; the environment must carry the credentials.
		cfg = &config.Config{}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
	)

	app.Run()
}

// applyEnvOverrides lets credentials come from the environment instead of
// the config file, so tokens never have to live on disk.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("KOI_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("KOI_WS_URL"); v != "" {
		cfg.Server.WSURL = v
	}
	if v := os.Getenv("KOI_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("KOI_USER_TOKEN"); v != "" {
		cfg.Server.UserToken = v
	}
}
