package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/orchestro/console/internal/state"
	"github.com/orchestro/console/pkg/api/client"
)

func newProjectsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects with their deployment status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			view, err := eng.OverviewView(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPORT\tLIVE\tREPO")
			for _, row := range view.Projects {
				port := "-"
				if row.Port > 0 {
					port = fmt.Sprint(row.Port)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", row.ID, row.Name, row.StatusLabel, port, row.LiveState, row.RepoURL)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			s := view.Stats
			app.printf("\n%d projects, %d deployments, %d active containers\n", s.TotalProjects, s.TotalDeployments, s.ActiveContainers)
			return nil
		},
	}
}

func newProjectCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create, inspect, update or delete a project",
	}
	cmd.AddCommand(
		newProjectShowCmd(app),
		newProjectCreateCmd(app),
		newProjectUpdateCmd(app),
		newProjectDeleteCmd(app),
	)
	return cmd
}

func newProjectShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project's settings and current status",
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
			view, err := eng.ProjectView(ctx, id)
			if err != nil {
				return err
			}
			printProject(app, view)
			return nil
		},
	}
}

func printProject(app *App, view state.ProjectView) {
	p := view.Project
	tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%d\n", p.ID)
	fmt.Fprintf(tw, "name\t%s\n", p.Name)
	fmt.Fprintf(tw, "repo\t%s (%s)\n", p.RepoURL, p.Branch)
	fmt.Fprintf(tw, "status\t%s\n", view.StatusLabel)
	if view.Port > 0 {
		fmt.Fprintf(tw, "port\t%d\n", view.Port)
	}
	if view.Live.State != "" {
		fmt.Fprintf(tw, "container\t%s (%d MiB)\n", view.Live.State, view.Live.Memory>>20)
	}
	fmt.Fprintf(tw, "install\t%s\n", p.InstallCommand)
	fmt.Fprintf(tw, "build\t%s\n", p.BuildCommand)
	fmt.Fprintf(tw, "start\t%s\n", p.StartCommand)
	fmt.Fprintf(tw, "output\t%s\n", p.OutputDirectory)
	for _, env := range p.EnvVars {
		fmt.Fprintf(tw, "env\t%d %s\n", env.ID, env.Key)
	}
	for _, vol := range p.Volumes {
		fmt.Fprintf(tw, "volume\t%d %s:%s\n", vol.ID, vol.HostPath, vol.ContainerPath)
	}
	_ = tw.Flush()
}

// projectFlags binds the writable project settings to flags.
func projectFlags(fs *pflag.FlagSet, in *client.ProjectInput) {
	fs.StringVar(&in.Name, "name", in.Name, "project name")
	fs.StringVar(&in.RepoURL, "repo", in.RepoURL, "git repository URL")
	fs.StringVar(&in.Branch, "branch", in.Branch, "branch to deploy")
	fs.StringVar(&in.RootDirectory, "root-dir", in.RootDirectory, "directory inside the repository to build")
	fs.StringVar(&in.InstallCommand, "install", in.InstallCommand, "install command")
	fs.StringVar(&in.BuildCommand, "build", in.BuildCommand, "build command")
	fs.StringVar(&in.StartCommand, "start", in.StartCommand, "start command")
	fs.StringVar(&in.OutputDirectory, "output", in.OutputDirectory, "build output directory")
	fs.IntVar(&in.CustomPort, "port", in.CustomPort, "public port (0 lets the backend choose)")
	fs.IntVar(&in.InternalPort, "internal-port", in.InternalPort, "port the application listens on")
	fs.StringVar(&in.GitProvider, "git-provider", in.GitProvider, "github or gitlab")
	fs.StringVar(&in.WebhookBranch, "webhook-branch", in.WebhookBranch, "branch that triggers webhook deployments")
	fs.StringVar(&in.WebhookSecret, "webhook-secret", in.WebhookSecret, "webhook signing secret")
	fs.StringVar(&in.DockerCompose, "docker-compose", in.DockerCompose, "docker compose definition")
	fs.StringVar(&in.CustomDockerfile, "dockerfile", in.CustomDockerfile, "custom Dockerfile contents")
}

func newProjectCreateCmd(app *App) *cobra.Command {
	in := client.ProjectInput{
		Branch:          "main",
		InstallCommand:  "bun install",
		BuildCommand:    "bun run build",
		StartCommand:    "bun run start",
		OutputDirectory: "dist",
	}
	cmd := &cobra.Command{
		Use:   "create --name <name> --repo <url>",
		Short: "Create a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client.Validate(in); err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			project, err := eng.Actions().CreateProject(ctx, in)
			if err != nil {
				return err
			}
			app.printf("project created: %d (%s)\n", project.ID, project.Name)
			return nil
		},
	}
	projectFlags(cmd.Flags(), &in)
	return cmd
}

func newProjectUpdateCmd(app *App) *cobra.Command {
	var changes client.ProjectInput
	cmd := &cobra.Command{
		Use:   "update <project-id> [flags]",
		Short: "Change project settings; unset flags keep their current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			if mergeChanged(cmd.Flags(), &client.ProjectInput{}, changes) == 0 {
				return errors.New("nothing to update")
			}
			api, err := app.client()
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			snap, err := api.GetProject(ctx, id)
			if err != nil {
				return err
			}
			in := client.InputFrom(snap.Project)
			mergeChanged(cmd.Flags(), &in, changes)
			if err := client.Validate(in); err != nil {
				return err
			}
			project, err := eng.Actions().UpdateProject(ctx, id, in)
			if err != nil {
				return err
			}
			app.printf("project updated: %d (%s)\n", project.ID, project.Name)
			return nil
		},
	}
	projectFlags(cmd.Flags(), &changes)
	return cmd
}

// mergeChanged copies the project settings the user set from changes into in and reports how
// many there were.
func mergeChanged(fs *pflag.FlagSet, in *client.ProjectInput, changes client.ProjectInput) int {
	n := 0
	fs.Visit(func(f *pflag.Flag) {
		n++
		switch f.Name {
		case "name":
			in.Name = changes.Name
		case "repo":
			in.RepoURL = changes.RepoURL
		case "branch":
			in.Branch = changes.Branch
		case "root-dir":
			in.RootDirectory = changes.RootDirectory
		case "install":
			in.InstallCommand = changes.InstallCommand
		case "build":
			in.BuildCommand = changes.BuildCommand
		case "start":
			in.StartCommand = changes.StartCommand
		case "output":
			in.OutputDirectory = changes.OutputDirectory
		case "port":
			in.CustomPort = changes.CustomPort
		case "internal-port":
			in.InternalPort = changes.InternalPort
		case "git-provider":
			in.GitProvider = changes.GitProvider
		case "webhook-branch":
			in.WebhookBranch = changes.WebhookBranch
		case "webhook-secret":
			in.WebhookSecret = changes.WebhookSecret
		case "docker-compose":
			in.DockerCompose = changes.DockerCompose
		case "dockerfile":
			in.CustomDockerfile = changes.CustomDockerfile
		default:
			n--
		}
	})
	return n
}

func newProjectDeleteCmd(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and its deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := eng.Actions().DeleteProject(ctx, id); err != nil {
				return err
			}
			app.printf("project deleted: %d\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
