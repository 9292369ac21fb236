// Command wedge-test is a manual testing tool for keyboard-wedge readers.
//
// It runs back-to-back scans against a reader attached to this terminal
// (or an evdev node) and prints each decoded token with its timing, so a
// reader's output format and speed can be checked without the daemon.
//
// Usage:
//
//	go build -o wedge-test ./tools/wedge-test
//	./wedge-test                          # reader types into this terminal
//	sudo ./wedge-test --device /dev/input/by-id/usb-...-event-kbd
//
// Press Ctrl+C to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"cardwedge/internal/capture"
	"cardwedge/internal/keystroke"
)

func main() {
	var (
		device  string
		timeout time.Duration
		count   int
		verbose bool
	)
	pflag.StringVar(&device, "device", "", "read from this evdev node instead of the terminal")
	pflag.DurationVar(&timeout, "timeout", 30*time.Second, "timeout of each scan")
	pflag.IntVarP(&count, "count", "n", 0, "stop after this many scans (0: until Ctrl+C)")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "log session decisions to stderr")
	pflag.Parse()

	fmt.Println("Wedge Reader Test")
	fmt.Println("=================")
	fmt.Println()

	var source keystroke.Source
	if device != "" {
		source = keystroke.NewEvdevSource(keystroke.EvdevConfig{DevicePath: device, Grab: true, NumLock: true})
	} else {
		source = keystroke.NewTerminalSource(os.Stdin)
	}
	available, msg := source.Available()
	fmt.Printf("Source: %s\n", msg)
	if !available {
		fmt.Println("ERROR: source not available")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := keystroke.NewHub(logger)
	if ev, ok := source.(*keystroke.EvdevSource); ok {
		hub.SetGrabber(ev)
	}
	// Raw mode turns Ctrl+C into a key press instead of a signal.
	sink := func(ev keystroke.KeyEvent) {
		if ev.Key == "^C" {
			cancel()
			return
		}
		hub.Publish(ev)
	}
	if err := source.Start(ctx, sink); err != nil {
		fmt.Printf("ERROR: start source: %v\n", err)
		os.Exit(1)
	}

	session := capture.New(hub, capture.WithLogger(logger))
	// \r\n: the terminal may be in raw mode.
	fmt.Printf("Present cards. Press Ctrl+C to stop.\r\n\r\n")
	fmt.Printf("  #  | Outcome    | Elapsed  | Token\r\n")
	fmt.Printf("-----|------------|----------|------------------\r\n")

	var tokens, total int
	started := time.Now()
	for n := 1; count == 0 || n <= count; n++ {
		scan, err := session.Start(nil, timeout)
		if err != nil {
			fmt.Printf("ERROR: start scan: %v\r\n", err)
			break
		}
		out, err := scan.Wait(ctx)
		if err != nil {
			session.Stop()
			break
		}
		total++
		if out.OK() {
			tokens++
		}
		fmt.Printf("%4d | %-10s | %8s | %s\r\n",
			n, out.Kind, out.Elapsed.Round(time.Millisecond), out.Token)
	}

	if err := source.Stop(); err != nil {
		fmt.Printf("ERROR: stop source: %v\n", err)
	}

	stats := hub.Stats()
	fmt.Println()
	fmt.Println("Final Statistics")
	fmt.Println("----------------")
	fmt.Printf("Scans:       %d (%d with a token)\n", total, tokens)
	fmt.Printf("Keystrokes:  %d published, %d decoded\n", stats.Published, stats.Consumed)
	fmt.Printf("Duration:    %s\n", time.Since(started).Truncate(time.Millisecond))
}
