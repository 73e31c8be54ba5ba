package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestro/console/internal/engine"
	"github.com/orchestro/console/internal/state"
)

func newWatchCmd(app *App) *cobra.Command {
	var (
		logs    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Follow a project's status and logs live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			view, err := engine.ParseLogView(logs)
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return watchProject(ctx, eng, id, view, newWatchPrinter(app.out, app.isTerminal()))
		},
	}
	cmd.Flags().StringVar(&logs, "logs", string(engine.LogViewBuild), "log to follow: build, runtime or empty for none")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop watching after this long (0 watches until interrupted)")
	return cmd
}

func watchProject(ctx context.Context, eng *engine.Engine, id int64, logView engine.LogView, p *watchPrinter) error {
	sess, err := eng.OpenProject(ctx, id)
	if err != nil {
		return err
	}
	defer sess.Close()

	changes, err := sess.Watch()
	if err != nil {
		return err
	}
	sess.SetLogView(logView)

	render := func() {
		if view, ok := sess.View(); ok && view.Loaded {
			p.render(view, logView)
		}
	}
	render()
	for {
		select {
		case <-ctx.Done():
			p.finish()
			return nil
		case _, open := <-changes:
			if !open {
				p.finish()
				fmt.Fprintf(p.out, "project %d is gone\n", id)
				return nil
			}
			render()
		}
	}
}

// watchPrinter turns successive project views into terminal output. Only complete log lines
// are written until finish.
type watchPrinter struct {
	out         io.Writer
	interactive bool

	printed string
	pending string
	status  string
}

func newWatchPrinter(out io.Writer, interactive bool) *watchPrinter {
	return &watchPrinter{out: out, interactive: interactive}
}

func statusLine(v state.ProjectView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", v.Project.Name, v.StatusLabel)
	if v.Port > 0 {
		fmt.Fprintf(&b, " on :%d", v.Port)
	}
	if v.Live.State != "" {
		fmt.Fprintf(&b, " (container %s)", v.Live.State)
	}
	if !v.Connected {
		b.WriteString(" [reconnecting]")
	}
	return b.String()
}

func (p *watchPrinter) render(v state.ProjectView, logView engine.LogView) {
	var text string
	switch logView {
	case engine.LogViewBuild:
		text = v.BuildLog
	case engine.LogViewRuntime:
		text = v.RuntimeLog
	}
	lines := p.advance(text)
	status := statusLine(v)
	changed := status != p.status
	p.status = status

	if p.interactive {
		if lines != "" || changed {
			fmt.Fprintf(p.out, "\r\033[K%s%s", lines, status)
		}
		return
	}
	io.WriteString(p.out, lines)
	if changed {
		fmt.Fprintln(p.out, status)
	}
}

// advance returns the complete lines of text not written yet. A log that no longer starts
// with what was printed is written again from the top.
func (p *watchPrinter) advance(text string) string {
	var next string
	if strings.HasPrefix(text, p.printed) {
		next = text[len(p.printed):]
	} else {
		p.printed = ""
		next = text
	}
	cut := strings.LastIndexByte(next, '\n') + 1
	p.printed += next[:cut]
	p.pending = next[cut:]
	return next[:cut]
}

func (p *watchPrinter) finish() {
	rest := p.pending
	if rest != "" && !strings.HasSuffix(rest, "\n") {
		rest += "\n"
	}
	p.printed += p.pending
	p.pending = ""
	if p.interactive {
		fmt.Fprintf(p.out, "\r\033[K%s", rest)
		if p.status != "" {
			fmt.Fprintln(p.out, p.status)
		}
		return
	}
	io.WriteString(p.out, rest)
}
