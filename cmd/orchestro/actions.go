package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestro/console/internal/engine"
	"github.com/orchestro/console/pkg/api/client"
)

func newLifecycleCmd(app *App, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := lifecycle(ctx, eng, name, id); err != nil {
				return err
			}
			app.printf("%s requested for project %d\n", name, id)
			return nil
		},
	}
}

func lifecycle(ctx context.Context, eng *engine.Engine, name string, id int64) error {
	switch name {
	case "deploy":
		return eng.Deploy(ctx, id)
	case "pause":
		return eng.Actions().Pause(ctx, id)
	case "resume":
		return eng.Actions().Resume(ctx, id)
	default:
		return fmt.Errorf("unknown action %q", name)
	}
}

func newEnvCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage project environment variables",
	}
	add := &cobra.Command{
		Use:   "add <project-id> KEY=VALUE",
		Short: "Add an environment variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			key, value, ok := strings.Cut(args[1], "=")
			in := client.EnvVarInput{Key: strings.TrimSpace(key), Value: value}
			if !ok {
				return fmt.Errorf("expected KEY=VALUE, got %q", args[1])
			}
			if err := client.Validate(in); err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			env, err := eng.Actions().CreateEnvVar(ctx, id, in)
			if err != nil {
				return err
			}
			app.printf("env var added: %d %s\n", env.ID, env.Key)
			return nil
		},
	}
	rm := &cobra.Command{
		Use:   "rm <project-id> <env-id>",
		Short: "Remove an environment variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			envID, err := parseID(args[1], "env id")
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := eng.Actions().DeleteEnvVar(ctx, id, envID); err != nil {
				return err
			}
			app.printf("env var removed: %d\n", envID)
			return nil
		},
	}
	cmd.AddCommand(add, rm)
	return cmd
}

func newVolumeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Manage project volume mappings",
	}
	add := &cobra.Command{
		Use:   "add <project-id> HOST_PATH:CONTAINER_PATH",
		Short: "Map a host path into the project container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			host, container, ok := strings.Cut(args[1], ":")
			if !ok {
				return fmt.Errorf("expected HOST_PATH:CONTAINER_PATH, got %q", args[1])
			}
			in := client.VolumeInput{HostPath: host, ContainerPath: container}
			if err := client.Validate(in); err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			vol, err := eng.Actions().AddVolume(ctx, id, in)
			if err != nil {
				return err
			}
			app.printf("volume added: %d %s:%s\n", vol.ID, vol.HostPath, vol.ContainerPath)
			return nil
		},
	}
	rm := &cobra.Command{
		Use:   "rm <project-id> <volume-id>",
		Short: "Remove a volume mapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			volumeID, err := parseID(args[1], "volume id")
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := eng.Actions().DeleteVolume(ctx, id, volumeID); err != nil {
				return err
			}
			app.printf("volume removed: %d\n", volumeID)
			return nil
		},
	}
	cmd.AddCommand(add, rm)
	return cmd
}

func newBackupCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and download project backups",
	}
	create := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Archive the project's data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			backup, err := eng.Actions().CreateBackup(ctx, id)
			if err != nil {
				return err
			}
			app.printf("backup created: %d (%d bytes)\n", backup.ID, backup.Size)
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List the project's backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			api, err := app.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			backups, err := api.ListBackups(ctx, id)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tPATH")
			for _, b := range backups {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", b.ID, b.CreatedAt.Format(time.RFC3339), b.Size, b.FilePath)
			}
			return tw.Flush()
		},
	}
	var output string
	download := &cobra.Command{
		Use:   "download <backup-id>",
		Short: "Download a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "backup id")
			if err != nil {
				return err
			}
			api, err := app.client()
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = fmt.Sprintf("backup-%d.tar.gz", id)
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			n, err := api.DownloadBackup(cmd.Context(), id, f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				_ = os.Remove(path)
				return err
			}
			app.printf("backup %d saved to %s (%d bytes)\n", id, path, n)
			return nil
		},
	}
	download.Flags().StringVarP(&output, "output", "o", "", "destination file (default backup-<id>.tar.gz)")
	cmd.AddCommand(create, list, download)
	return cmd
}
