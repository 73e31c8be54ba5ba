package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var durationKeys = []string{"timeout", "reconnect_delay", "runtime_log_interval"}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the stored CLI settings",
	}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting in the config file",
		Long:  "Store a setting in the config file. Keys: " + strings.Join(configKeys, ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := strings.ToLower(args[0]), strings.TrimSpace(args[1])
			if err := checkSetting(key, value); err != nil {
				return err
			}
			path := app.configPath()
			if path == "" {
				return errors.New("no config file location; pass --config")
			}
			if err := writeSetting(path, key, value); err != nil {
				return err
			}
			app.printf("%s saved to %s\n", key, path)
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "config\t%s\n", app.configPath())
			for _, key := range configKeys {
				value := app.v.GetString(key)
				if key == "api_token" && value != "" {
					value = "********"
				}
				fmt.Fprintf(tw, "%s\t%s\n", key, value)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(set, show)
	return cmd
}

func checkSetting(key, value string) error {
	if !slices.Contains(configKeys, key) {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(configKeys, ", "))
	}
	if slices.Contains(durationKeys, key) {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration such as 5s", key)
		}
	}
	return nil
}

// writeSetting updates a single key and keeps the rest of the file.
func writeSetting(path, key, value string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.Set(key, value)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return v.WriteConfigAs(path)
}
