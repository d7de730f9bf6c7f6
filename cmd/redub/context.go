package main

import (
	"strings"
	"sync"

	"redub/internal/api"
	"redub/internal/config"
)

// commandContext lazily loads configuration and builds the API client shared
// by subcommands. Flag values are read at execution time, after cobra has
// parsed them.
type commandContext struct {
	configFlag *string
	serverFlag *string
	tokenFlag  *string

	once sync.Once
	cfg  *config.Config
	path string
	err  error
}

func newCommandContext(configFlag, serverFlag, tokenFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		serverFlag: serverFlag,
		tokenFlag:  tokenFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		c.cfg, c.path, _, c.err = config.Load(strings.TrimSpace(*c.configFlag))
	})
	return c.cfg, c.err
}

func (c *commandContext) configPath() string {
	_, _ = c.ensureConfig()
	return c.path
}

// client resolves the daemon address and token, preferring explicit flags
// over config values.
func (c *commandContext) client() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	server := strings.TrimSpace(*c.serverFlag)
	if server == "" {
		server = cfg.Paths.APIBind
	}
	token := strings.TrimSpace(*c.tokenFlag)
	if token == "" {
		token = cfg.Paths.APIToken
	}
	return api.NewClient(server, token), nil
}
