package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ConsoleConfig holds runtime configuration for the dashboard and CLI.
type ConsoleConfig struct {
	Environment        string        `validate:"required,oneof=development staging production test"`
	APIBaseURL         string        `validate:"required,url"`
	PushURL            string        `validate:"required,url"`
	APIToken           string
	Addr               string        `validate:"required"`
	ReconnectDelay     time.Duration `validate:"gt=0"`
	RuntimeLogInterval time.Duration `validate:"gt=0"`
	RequestTimeout     time.Duration `validate:"gt=0"`
	LogLevel           string        `validate:"required,oneof=debug info warn error"`
	LogFormat          string        `validate:"required,oneof=json text"`
}

// LoadConsoleConfig constructs a ConsoleConfig from environment variables and validates it.
func LoadConsoleConfig() (ConsoleConfig, error) {
	LoadDotEnv()
	cfg := ConsoleConfig{
		Environment:        GetString("APP_ENV", "development"),
		APIBaseURL:         strings.TrimRight(GetString("ORCHESTRO_API_URL", "http://localhost:8080"), "/"),
		PushURL:            GetString("ORCHESTRO_WS_URL", ""),
		APIToken:           strings.TrimSpace(GetString("ORCHESTRO_API_TOKEN", "")),
		Addr:               GetString("DASHBOARD_ADDR", ":3000"),
		ReconnectDelay:     GetSeconds("PUSH_RECONNECT_SECONDS", 3*time.Second),
		RuntimeLogInterval: GetSeconds("RUNTIME_LOG_POLL_SECONDS", 3*time.Second),
		RequestTimeout:     GetSeconds("API_TIMEOUT_SECONDS", 15*time.Second),
		LogLevel:           strings.ToLower(GetString("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(GetString("LOG_FORMAT", "json")),
	}
	if strings.TrimSpace(cfg.PushURL) == "" {
		derived, err := PushURLFor(cfg.APIBaseURL)
		if err != nil {
			return ConsoleConfig{}, err
		}
		cfg.PushURL = derived
	}
	if err := validate.Struct(&cfg); err != nil {
		return ConsoleConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// PushURLFor derives the websocket endpoint from the REST base URL by swapping the scheme
// and pointing at /ws.
func PushURLFor(apiBase string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
