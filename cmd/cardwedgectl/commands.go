package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"cardwedge/internal/capture"
	"cardwedge/internal/ipc"
)

// Exit statuses for scans that end without a token.
const (
	exitTimedOut  = 3
	exitNoToken   = 4
	exitCancelled = 130
)

func (a *cli) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *cli) cmdScan(ctx context.Context, args []string) error {
	var timeout time.Duration
	var asJSON bool
	fs := a.flagSet("scan")
	fs.DurationVarP(&timeout, "timeout", "t", 0, "scan timeout (default: daemon setting)")
	fs.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if !asJSON {
		fmt.Fprintf(a.stderr, "%sPresent a card...%s\n", a.c.Dim, a.c.Reset)
	}
	resp, err := client.Scan(ctx, timeout)
	switch {
	case ctx.Err() != nil:
		return &exitError{code: exitCancelled, msg: "scan cancelled"}
	case ipc.IsRemoteCode(err, ipc.ErrScanActive):
		return fmt.Errorf("another scan is active")
	case ipc.IsRemoteCode(err, ipc.ErrReaderBusy):
		return fmt.Errorf("reader is held by another consumer")
	case err != nil:
		return err
	}

	if asJSON {
		if err := json.NewEncoder(a.stdout).Encode(resp); err != nil {
			return err
		}
	} else if resp.Outcome == capture.OutcomeToken {
		fmt.Fprintln(a.stdout, resp.Token)
	}

	switch resp.Outcome {
	case capture.OutcomeToken:
		return nil
	case capture.OutcomeTimedOut:
		return &exitError{code: exitTimedOut, msg: quietIf(asJSON, "no card presented")}
	default:
		return &exitError{code: exitNoToken, msg: quietIf(asJSON, "scan ended: "+resp.Outcome.String())}
	}
}

func quietIf(quiet bool, msg string) string {
	if quiet {
		return ""
	}
	return msg
}

func (a *cli) cmdStop(ctx context.Context, args []string) error {
	if err := a.flagSet("stop").Parse(args); err != nil {
		return err
	}
	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	stopped, err := client.Stop(ctx)
	if err != nil {
		return err
	}
	if stopped {
		fmt.Fprintf(a.stdout, "%sStopped%s the active scan\n", a.c.Green, a.c.Reset)
	} else {
		fmt.Fprintln(a.stdout, "No scan was active")
	}
	return nil
}

func (a *cli) cmdStatus(ctx context.Context, args []string) error {
	var asJSON bool
	fs := a.flagSet("status")
	fs.BoolVar(&asJSON, "json", false, "print status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	c, w := a.c, a.stdout
	c.section(w, "DAEMON")
	c.row(w, "Version", c.Cyan+status.Version+c.Reset)
	c.row(w, "Uptime", status.Uptime().Round(time.Second).String())
	c.row(w, "Started", status.StartedAt.Local().Format(time.RFC3339))
	c.row(w, "Clients", strconv.Itoa(status.Clients))

	c.section(w, "READER")
	c.row(w, "Source", status.Source)
	c.row(w, "Connected", c.yesNo(status.ReaderConnected, "YES", "NO"))

	c.section(w, "SCAN")
	if status.Scanning {
		c.row(w, "State", c.Bold+c.Green+"SCANNING"+c.Reset)
		c.row(w, "Scan", strconv.FormatUint(status.ScanID, 10))
		c.row(w, "Buffered", strconv.Itoa(status.BufferLen)+" keys")
	} else {
		c.row(w, "State", "idle")
	}

	c.section(w, "KEYSTROKES")
	c.row(w, "Published", strconv.FormatUint(status.Hub.Published, 10))
	c.row(w, "Consumed", strconv.FormatUint(status.Hub.Consumed, 10))
	c.row(w, "Unclaimed", strconv.FormatUint(status.Hub.Observed, 10))
	fmt.Fprintln(w)
	return nil
}

func (a *cli) cmdMetrics(ctx context.Context, args []string) error {
	var asJSON bool
	fs := a.flagSet("metrics")
	fs.BoolVar(&asJSON, "json", false, "print metrics as JSON instead of Prometheus text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format := ipc.MetricsPrometheus
	if asJSON {
		format = ipc.MetricsJSON
	}

	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	body, err := client.Metrics(ctx, format)
	if err != nil {
		return fmt.Errorf("get metrics: %w", err)
	}
	_, err = io.WriteString(a.stdout, body)
	return err
}

func (a *cli) cmdWatch(ctx context.Context, args []string) error {
	var names []string
	var asJSON bool
	fs := a.flagSet("watch")
	fs.StringSliceVar(&names, "events", nil, "event types to stream (default: all)")
	fs.BoolVar(&asJSON, "json", false, "print events as JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events := make([]ipc.EventType, 0, len(names))
	for _, name := range names {
		events = append(events, ipc.EventType(name))
	}

	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var mu sync.Mutex
	handler := func(ev *ipc.Event) {
		mu.Lock()
		defer mu.Unlock()
		if asJSON {
			json.NewEncoder(a.stdout).Encode(ev)
			return
		}
		fmt.Fprintln(a.stdout, a.formatEvent(ev))
	}
	subscribed, err := client.Subscribe(ctx, handler, events...)
	if err != nil {
		return err
	}
	if !asJSON {
		fmt.Fprintf(a.stderr, "%sWatching %v (Ctrl-C to quit)%s\n", a.c.Dim, subscribed, a.c.Reset)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return ipc.ErrConnectionLost
	}
}

func (a *cli) formatEvent(ev *ipc.Event) string {
	c := a.c
	at := c.Dim + ev.Timestamp.Local().Format("15:04:05.000") + c.Reset
	kind := c.Cyan + pad(string(ev.Type), 16) + c.Reset

	detail, err := describeEvent(c, ev)
	if err != nil {
		detail = c.Red + err.Error() + c.Reset
	}
	return at + " " + kind + detail
}

func describeEvent(c palette, ev *ipc.Event) (string, error) {
	switch ev.Type {
	case ipc.EventScanStarted:
		var data ipc.ScanStartedEvent
		if err := ev.DecodeData(&data); err != nil {
			return "", err
		}
		return fmt.Sprintf("scan %d, timeout %s, by %s",
			data.ScanID, time.Duration(data.TimeoutMS)*time.Millisecond, data.Caller), nil

	case ipc.EventScanFinished:
		var data ipc.ScanFinishedEvent
		if err := ev.DecodeData(&data); err != nil {
			return "", err
		}
		outcome := c.Yellow + data.Outcome.String() + c.Reset
		if data.Outcome == capture.OutcomeToken {
			outcome = c.Green + data.Outcome.String() + c.Reset
		}
		s := fmt.Sprintf("scan %d %s after %s", data.ScanID, outcome, time.Duration(data.ElapsedMS)*time.Millisecond)
		if data.Fingerprint != "" {
			s += " fp=" + data.Fingerprint
		}
		if data.Token != "" {
			s += " token=" + data.Token
		}
		return s, nil

	case ipc.EventReaderAttached, ipc.EventReaderDetached:
		var data ipc.ReaderEvent
		if err := ev.DecodeData(&data); err != nil {
			return "", err
		}
		if data.Device == "" {
			return "reader", nil
		}
		return data.Device, nil

	default:
		return "", errors.New("unknown event")
	}
}
