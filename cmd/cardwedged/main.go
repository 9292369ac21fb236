// cardwedged decodes keyboard-wedge RFID reader input into card tokens
// and serves scan requests over a Unix socket and D-Bus.
//
//	cardwedged                       run with the discovered config file
//	cardwedged --source simulated    run without hardware
//	cardwedged --list-devices        print input devices and exit
//	cardwedged --check-config        lint the config file and exit
//	cardwedged --init-config         write a default config file and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"cardwedge/internal/config"
	"cardwedge/internal/keystroke"
	"cardwedge/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// overrides are command-line settings that win over the config file,
// including across reloads.
type overrides struct {
	source   string
	device   string
	socket   string
	logLevel string
}

func (o overrides) apply(cfg *config.Config) {
	if o.source != "" {
		cfg.Reader.Source = o.source
	}
	if o.device != "" {
		cfg.Reader.DevicePath = o.device
	}
	if o.socket != "" {
		cfg.IPC.SocketPath = o.socket
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath  string
		flags       overrides
		listDevices bool
		checkConfig bool
		initConfig  bool
		showVersion bool
		help        bool
	)

	flagSet := pflag.NewFlagSet("cardwedged", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (default: search standard locations)")
	flagSet.StringVar(&flags.source, "source", "", "keystroke source: evdev, terminal or simulated")
	flagSet.StringVar(&flags.device, "device", "", "evdev device node, e.g. /dev/input/by-id/usb-reader-event-kbd")
	flagSet.StringVar(&flags.socket, "socket", "", "IPC socket path")
	flagSet.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.BoolVar(&listDevices, "list-devices", false, "list input devices and exit")
	flagSet.BoolVar(&checkConfig, "check-config", false, "validate the config file and exit")
	flagSet.BoolVar(&initConfig, "init-config", false, "write a default config file if none exists and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolVarP(&help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help {
		printHelp(flagSet)
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	switch {
	case showVersion:
		fmt.Fprintf(stdout, "cardwedged %s\n", Version)
		return nil
	case listDevices:
		return printDevices(stdout)
	}

	if initConfig {
		_, created, err := config.LoadOrCreate(configPath)
		if err != nil {
			return err
		}
		if configPath == "" {
			configPath = config.ConfigPath()
		}
		if created {
			fmt.Fprintf(stdout, "wrote %s\n", configPath)
		} else {
			fmt.Fprintf(stdout, "%s already exists\n", configPath)
		}
		return nil
	}

	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	if checkConfig {
		return lintConfig(stdout, configPath, flags)
	}

	var loader *config.Loader
	var cfg *config.Config
	if configPath != "" {
		loader = config.NewLoader(configPath)
		loaded, err := loader.Load()
		if err != nil {
			return fmt.Errorf("load %s: %w", configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadFromEnv()
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg, err := cfg.Logging.ToLogging("cardwedged")
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	if configPath != "" {
		logger.Info("loaded config", "path", configPath)
	}

	d, err := newDaemon(cfg, loader, logger, Version)
	if err != nil {
		return err
	}
	d.overrides = flags.apply

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func printDevices(w io.Writer) error {
	devices, err := keystroke.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		kind := "other"
		if dev.Keyboard {
			kind = "keyboard"
		}
		fmt.Fprintf(w, "%-20s %04x:%04x  %-8s  %s\n", dev.Path(), dev.VendorID, dev.ProductID, kind, dev.Name)
	}
	return nil
}

func lintConfig(w io.Writer, path string, flags overrides) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	flags.apply(cfg)

	issues := config.Lint(cfg)
	for _, issue := range issues {
		level := "error"
		if issue.IsWarning() {
			level = "warning"
		}
		fmt.Fprintf(w, "%s: %s\n", level, issue.Error())
	}
	if issues.HasErrors() {
		return fmt.Errorf("%s: %w", displayPath(path), config.ErrInvalidConfig)
	}
	fmt.Fprintf(w, "%s: ok\n", displayPath(path))
	return nil
}

func displayPath(path string) string {
	if path == "" {
		return "defaults"
	}
	return path
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cardwedged reads a keyboard-wedge card reader and hands decoded tokens
to callers that ask for a scan.

Callers connect with cardwedgectl, the Unix socket protocol or the
org.cardwedge.Reader1 D-Bus interface.

Usage:
  cardwedged [flags]

Flags:
%s`, flagSet.FlagUsages())
}
