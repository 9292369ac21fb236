// cardwedgectl is the command-line client for cardwedged.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"cardwedge/internal/config"
	"cardwedge/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

// exitError carries a process exit status other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli holds the global options and output streams shared by commands.
type cli struct {
	socketPath string
	timeout    time.Duration
	stdout     io.Writer
	stderr     io.Writer
	c          palette
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app := &cli{stdout: stdout, stderr: stderr}
	var configPath string
	var help, version bool

	flagSet := pflag.NewFlagSet("cardwedgectl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&configPath, "config", "c", "", "config file to read the socket path from")
	flagSet.StringVarP(&app.socketPath, "socket", "s", "", "daemon socket path")
	flagSet.DurationVar(&app.timeout, "connect-timeout", 5*time.Second, "how long to wait for the daemon")
	flagSet.BoolVar(&version, "version", false, "print version and exit")
	flagSet.BoolVarP(&help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			usage(stderr, flagSet)
			return nil
		}
		return err
	}
	if version {
		fmt.Fprintf(stdout, "cardwedgectl %s\n", Version)
		return nil
	}
	if help || flagSet.NArg() == 0 {
		usage(stderr, flagSet)
		if help {
			return nil
		}
		return &exitError{code: 2}
	}

	if app.socketPath == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		app.socketPath = cfg.IPC.SocketPath
	}
	app.c = newPalette(stdout)

	cmd, cmdArgs := flagSet.Arg(0), flagSet.Args()[1:]
	switch cmd {
	case "scan":
		return app.cmdScan(ctx, cmdArgs)
	case "stop":
		return app.cmdStop(ctx, cmdArgs)
	case "status":
		return app.cmdStatus(ctx, cmdArgs)
	case "watch":
		return app.cmdWatch(ctx, cmdArgs)
	case "metrics":
		return app.cmdMetrics(ctx, cmdArgs)
	case "help":
		usage(stdout, flagSet)
		return nil
	default:
		usage(stderr, flagSet)
		return &exitError{code: 2, msg: fmt.Sprintf("unknown command: %s", cmd)}
	}
}

func (a *cli) dial(ctx context.Context) (*ipc.Client, error) {
	cfg := ipc.DefaultClientConfig(a.socketPath)
	cfg.ClientName = "cardwedgectl"
	cfg.ClientVersion = Version
	cfg.ConnectTimeout = a.timeout

	client, err := ipc.Dial(ctx, cfg)
	if errors.Is(err, ipc.ErrDaemonNotRunning) {
		return nil, fmt.Errorf("%w\n  %sTip%s: start it with: cardwedged", err, a.c.Dim, a.c.Reset)
	}
	return client, err
}

func usage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `cardwedgectl - control utility for cardwedged

Usage: cardwedgectl [options] <command> [args]

Commands:
  scan [--timeout d] [--json]   Wait for one card and print its token
  stop                          End the active scan
  status [--json]               Show daemon and reader status
  watch [--events list]         Stream scan and reader events
  metrics [--json]              Print daemon metrics (Prometheus text)
  help                          Show this help message

Options:
%s`, flagSet.FlagUsages())
}
