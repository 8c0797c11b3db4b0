package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kalambet/finrag/internal/client"
	"github.com/kalambet/finrag/internal/config"
	"github.com/kalambet/finrag/internal/session"
)

// cliEnv is what client-side commands need: the loaded config, an API
// client and the persisted session ids.
type cliEnv struct {
	cfg      config.Config
	api      *client.Client
	sessions *session.Manager
}

var newCLIEnv = func(cmd *cobra.Command) (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	baseURL := cfg.ServerURL()
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		baseURL = s
	}

	api := client.New(baseURL)
	ids := session.NewFileIDStore(filepath.Join(cfg.Storage.DataDir, "sessions.json"))
	return &cliEnv{
		cfg:      cfg,
		api:      api,
		sessions: session.NewManager(ids, api),
	}, nil
}
