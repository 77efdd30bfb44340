package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loykin/cmdloop"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	Addr       string
	Timeout    time.Duration
}

// buildRoot creates the root command with all subcommands. Command output
// goes to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetOut(out)

	c := command{flags: globalFlags, out: out}
	root.AddCommand(
		createServeCommand(globalFlags),
		createAddCommand(c),
		createOutputCommand(c),
		createIntervalCommand(c),
		createProgramsCommand(c),
		createStopCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "cmdloop",
		Short: "Run registered commands on a fixed interval",
		Long: `cmdloop runs a set of registered shell commands one after another,
waits for the configured interval and starts over. Clients register commands,
change the interval and read each command's run history over TCP.

Examples:
  cmdloop serve --config=cmdloop.toml
  cmdloop add "df -h"
  cmdloop interval 30
  cmdloop output "df -h" --save`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.Addr, "addr", "127.0.0.1:65432", "control server address")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the cmdloop server",
		Long: `Start the control server and the execution loop. Settings come from the
config file (defaults when none is given) and CMDLOOP_* environment variables.

Examples:
  cmdloop serve
  cmdloop serve cmdloop.toml
  CMDLOOP_SERVER_LISTEN=127.0.0.1:7000 cmdloop serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, configPath string, console io.Writer) error {
	cfg, err := cmdloop.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer, err := cmdloop.NewLogger(cfg, console)
	if err != nil {
		return fmt.Errorf("error setting up logging: %w", err)
	}
	defer func() { _ = closer.Close() }()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := cmdloop.Open(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return err
	}
	log.Info("cmdloop started", "addr", svc.Addr().String(), "programs", len(svc.Programs()))
	return svc.Run(ctx)
}
