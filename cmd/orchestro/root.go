package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/orchestro/console/internal/engine"
	"github.com/orchestro/console/pkg/api/client"
	"github.com/orchestro/console/pkg/config"
	"github.com/orchestro/console/pkg/logger"
)

const requestTimeout = 15 * time.Second

// settings that can be stored in the config file
var configKeys = []string{"api_url", "api_token", "ws_url", "timeout", "reconnect_delay", "runtime_log_interval"}

// App carries what every command shares: settings, output streams and the lazily built
// API client.
type App struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
	log    *slog.Logger

	api *client.Client
	eng *engine.Engine

	// isTerminal reports whether out is an interactive terminal.
	isTerminal func() bool
}

func newApp(out, errOut io.Writer) *App {
	a := &App{v: viper.New(), out: out, errOut: errOut, log: logger.Discard()}
	a.isTerminal = func() bool {
		f, ok := a.out.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	}
	return a
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orchestro",
		Short:         "Operate orchestro projects from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.loadConfig()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			app.close()
		},
	}
	cmd.SetOut(app.out)
	cmd.SetErr(app.errOut)

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default $XDG_CONFIG_HOME/orchestro/config.yaml)")
	flags.String("api", "", "orchestro API base URL")
	flags.String("token", "", "API bearer token")
	flags.String("log-level", "warn", "diagnostic log level written to stderr")
	_ = app.v.BindPFlag("config", flags.Lookup("config"))
	_ = app.v.BindPFlag("api_url", flags.Lookup("api"))
	_ = app.v.BindPFlag("api_token", flags.Lookup("token"))
	_ = app.v.BindPFlag("log_level", flags.Lookup("log-level"))

	cmd.AddCommand(
		newProjectsCmd(app),
		newWatchCmd(app),
		newLifecycleCmd(app, "deploy", "Start a new deployment"),
		newLifecycleCmd(app, "pause", "Pause the running deployment"),
		newLifecycleCmd(app, "resume", "Resume the paused deployment"),
		newProjectCmd(app),
		newEnvCmd(app),
		newVolumeCmd(app),
		newBackupCmd(app),
		newConfigCmd(app),
		newVersionCmd(),
	)
	return cmd
}

func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "orchestro", "config.yaml")
}

func (a *App) configPath() string {
	if path := strings.TrimSpace(a.v.GetString("config")); path != "" {
		return path
	}
	return defaultConfigPath()
}

// loadConfig layers flags over ORCHESTRO_* environment variables over the config file.
func (a *App) loadConfig() error {
	a.v.SetEnvPrefix("ORCHESTRO")
	a.v.AutomaticEnv()
	a.v.SetDefault("api_url", "http://localhost:8080")
	a.v.SetDefault("timeout", requestTimeout.String())
	a.v.SetDefault("reconnect_delay", "3s")
	a.v.SetDefault("runtime_log_interval", "3s")

	if path := a.configPath(); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	l, err := logger.NewWithFormat(a.errOut, "orchestro-cli", a.v.GetString("log_level"), "text")
	if err != nil {
		return err
	}
	a.log = l
	return nil
}

func (a *App) client() (*client.Client, error) {
	if a.api != nil {
		return a.api, nil
	}
	api, err := client.New(a.v.GetString("api_url"),
		client.WithToken(a.v.GetString("api_token")),
		client.WithTimeout(a.v.GetDuration("timeout")))
	if err != nil {
		return nil, err
	}
	a.api = api
	return api, nil
}

// engine builds the synchronization engine used by watch and the action commands.
func (a *App) engine() (*engine.Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	api, err := a.client()
	if err != nil {
		return nil, err
	}
	pushURL := strings.TrimSpace(a.v.GetString("ws_url"))
	if pushURL == "" {
		if pushURL, err = config.PushURLFor(api.BaseURL()); err != nil {
			return nil, err
		}
	}
	cfg := engine.Config{
		PushURL:            pushURL,
		ReconnectDelay:     a.v.GetDuration("reconnect_delay"),
		RuntimeLogInterval: a.v.GetDuration("runtime_log_interval"),
	}
	if token := strings.TrimSpace(a.v.GetString("api_token")); token != "" {
		cfg.Header = map[string][]string{"Authorization": {"Bearer " + token}}
	}
	a.eng = engine.New(api, cfg, a.log, nil)
	return a.eng, nil
}

func (a *App) close() {
	if a.eng != nil {
		_ = a.eng.Close()
		a.eng = nil
	}
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func parseID(raw, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return id, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
		},
	}
}
