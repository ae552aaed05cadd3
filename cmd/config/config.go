package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the server
type Config struct {
	// Server configuration
	Port int `envconfig:"PORT" default:"10001"`

	// Upstream browser pool address. The pool serves POST /start, POST /stop,
	// GET /list and the CDP websocket upgrade at GET /browser?token=<token>.
	BrowserEndpointHost string `envconfig:"BROWSER_ENDPOINT_HOST" default:"localhost"`
	BrowserEndpointPort int    `envconfig:"BROWSER_ENDPOINT_PORT" default:"8080"`

	// Screencast tuning
	ScreencastQuality       int `envconfig:"SCREENCAST_QUALITY" default:"60"`
	ScreencastEveryNthFrame int `envconfig:"SCREENCAST_EVERY_NTH_FRAME" default:"3"`

	// Default viewport applied to every attached page
	ViewportWidth  int `envconfig:"VIEWPORT_WIDTH" default:"1280"`
	ViewportHeight int `envconfig:"VIEWPORT_HEIGHT" default:"720"`

	// Per-action deadline enforced by the client socket's request/reply wrapper.
	ActionTimeout time.Duration `envconfig:"ACTION_TIMEOUT" default:"10s"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be a valid tcp port")
	}
	if config.BrowserEndpointHost == "" {
		return fmt.Errorf("BROWSER_ENDPOINT_HOST is required")
	}
	if config.BrowserEndpointPort <= 0 || config.BrowserEndpointPort > 65535 {
		return fmt.Errorf("BROWSER_ENDPOINT_PORT must be a valid tcp port")
	}
	if config.ScreencastQuality < 1 || config.ScreencastQuality > 100 {
		return fmt.Errorf("SCREENCAST_QUALITY must be between 1 and 100")
	}
	if config.ScreencastEveryNthFrame < 1 {
		return fmt.Errorf("SCREENCAST_EVERY_NTH_FRAME must be greater than 0")
	}
	if config.ViewportWidth <= 0 || config.ViewportHeight <= 0 {
		return fmt.Errorf("viewport dimensions must be greater than 0")
	}
	if config.ActionTimeout <= 0 {
		return fmt.Errorf("ACTION_TIMEOUT must be greater than 0")
	}

	return nil
}

// BrowserEndpoint returns the websocket URL of the pool's CDP upgrade endpoint
// for the given browser token.
func (c *Config) BrowserEndpoint(token string) string {
	return fmt.Sprintf("ws://%s:%d/browser?token=%s", c.BrowserEndpointHost, c.BrowserEndpointPort, token)
}

// PoolBaseURL returns the HTTP base URL of the upstream browser pool.
func (c *Config) PoolBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.BrowserEndpointHost, c.BrowserEndpointPort)
}
