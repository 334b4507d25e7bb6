package main

import (
	"context"
	"sync"

	"podcast-pipeline/internal/app"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/store"
)

// commandContext resolves configuration once per invocation, with flags taking precedence
// over the environment.
type commandContext struct {
	storeFlag    string
	sqliteFlag   string
	logLevelFlag string
	jsonFlag     bool

	once sync.Once
	cfg  config.Config
}

func (c *commandContext) config() config.Config {
	c.once.Do(func() {
		cfg := config.Load()
		if c.storeFlag != "" {
			cfg.StoreDriver = c.storeFlag
		}
		if c.sqliteFlag != "" {
			cfg.SQLitePath = c.sqliteFlag
		}
		if c.logLevelFlag != "" {
			cfg.LogLevel = c.logLevelFlag
		}
		// the CLI always runs jobs in-process
		cfg.DispatchMode = "local"
		c.cfg = cfg
	})
	return c.cfg
}

func (c *commandContext) setupLogging() {
	cfg := c.config()
	format := cfg.LogFormat
	if format == "" {
		format = "console"
	}
	logging.Setup(cfg.LogLevel, format, "podcastctl")
}

// withStore opens the configured store for the duration of fn.
func (c *commandContext) withStore(ctx context.Context, fn func(store.Store) error) error {
	st, err := app.OpenStore(ctx, c.config())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
