package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/cmdloop"
)

// command runs client subcommands against the server named by the global flags.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c command) client() *cmdloop.Client {
	return cmdloop.NewClient(cmdloop.ClientConfig{Addr: c.flags.Addr, Timeout: c.flags.Timeout})
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func createAddCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "add <command...>",
		Short: "Register a command",
		Long: `Register a shell command. It runs on every sweep from now on.
Arguments are joined with spaces.

Examples:
  cmdloop add "echo hello"
  cmdloop add -- ls -la /tmp`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(cmd.Context(), strings.Join(args, " "))
		},
	}
}

func (c command) Add(ctx context.Context, command string) error {
	msg, err := c.client().Add(ctx, command)
	if err != nil {
		return err
	}
	c.printf("%s\n", msg)
	return nil
}

// OutputFlags holds flags for the output command.
type OutputFlags struct {
	Save bool
	Dir  string
}

func createOutputCommand(c command) *cobra.Command {
	flags := &OutputFlags{}
	cmd := &cobra.Command{
		Use:   "output <command...>",
		Short: "Show the run history of a command",
		Long: `Print every recorded run of a registered command, or save it to
<slug>_output.txt with --save.

Examples:
  cmdloop output "echo hello"
  cmdloop output "echo hello" --save --dir=/tmp`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Output(cmd.Context(), strings.Join(args, " "), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Save, "save", false, "write the history to <slug>_output.txt instead of stdout")
	cmd.Flags().StringVar(&flags.Dir, "dir", ".", "directory for --save")
	return cmd
}

func (c command) Output(ctx context.Context, command string, flags OutputFlags) error {
	out, err := c.client().Output(ctx, command)
	if err != nil {
		return err
	}
	if !flags.Save {
		c.printf("%s\n", out.Text)
		return nil
	}
	path := filepath.Join(flags.Dir, filepath.Base(out.Filename))
	if err := os.WriteFile(path, []byte(out.Text), 0o644); err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	c.printf("saved %s\n", path)
	return nil
}

func createIntervalCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "interval <seconds>",
		Short: "Set the pause between sweeps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("interval must be an integer: %q", args[0])
			}
			return c.Interval(cmd.Context(), n)
		},
	}
}

func (c command) Interval(ctx context.Context, seconds int) error {
	msg, err := c.client().SetInterval(ctx, seconds)
	if err != nil {
		return err
	}
	c.printf("%s\n", msg)
	return nil
}

func createProgramsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:     "programs",
		Aliases: []string{"list"},
		Short:   "List registered commands in execution order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Programs(cmd.Context())
		},
	}
}

func (c command) Programs(ctx context.Context) error {
	progs, err := c.client().Programs(ctx)
	if err != nil {
		return err
	}
	if len(progs) == 0 {
		c.printf("no commands registered\n")
		return nil
	}
	for i, p := range progs {
		c.printf("%d. %s\n", i+1, p)
	}
	return nil
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Shut the server down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := c.client().Stop(cmd.Context())
			if err != nil {
				return err
			}
			c.printf("%s\n", msg)
			return nil
		},
	}
}
