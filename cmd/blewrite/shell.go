package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/chaz8081/blewrite/internal/ble"
	"github.com/chaz8081/blewrite/internal/config"
)

var errExit = errors.New("exit")

type command struct {
	help    string
	args    string
	handler func(ctrl *ble.Controller, cfg *config.Config, args []string) error
}

var commands = map[string]command{
	"scan": {
		help: "scan for the target and connect",
		handler: func(ctrl *ble.Controller, _ *config.Config, _ []string) error {
			return ctrl.Start()
		},
	},
	"stop": {
		help: "stop an in-progress scan",
		handler: func(ctrl *ble.Controller, _ *config.Config, _ []string) error {
			ctrl.StopScan()
			return nil
		},
	},
	"write": {
		help: "encode and write a level and flag (defaults from payload config)",
		args: "[level] [flag]",
		handler: func(ctrl *ble.Controller, cfg *config.Config, args []string) error {
			level, flag, err := parseLevelFlag(args, cfg.Payload.Level, cfg.Payload.Flag)
			if err != nil {
				return err
			}
			_, err = ctrl.Write(level, flag)
			return err
		},
	},
	"raw": {
		help: "write raw hex bytes, e.g. raw 01 02 03",
		args: "<hex>...",
		handler: func(ctrl *ble.Controller, _ *config.Config, args []string) error {
			data, err := parseHex(args)
			if err != nil {
				return err
			}
			_, err = ctrl.WriteBytes(data)
			return err
		},
	},
	"status": {
		help: "show session state and write target",
		handler: func(ctrl *ble.Controller, _ *config.Config, _ []string) error {
			fmt.Printf("state: %s\n", ctrl.State())
			if t, ok := ctrl.Target(); ok {
				fmt.Printf("target: %s in %s (last value %x)\n", t.Characteristic, t.ServiceUUID, t.Characteristic.LastValue)
			}
			return nil
		},
	},
	"tree": {
		help: "list discovered services and characteristics",
		handler: func(ctrl *ble.Controller, _ *config.Config, _ []string) error {
			for _, s := range ctrl.Tree() {
				fmt.Printf("%s\n", s.UUID)
				for _, c := range s.Characteristics {
					fmt.Printf("  %s\n", c)
				}
			}
			return nil
		},
	},
	"close": {
		help: "disconnect and return to idle",
		handler: func(ctrl *ble.Controller, _ *config.Config, _ []string) error {
			return ctrl.Close()
		},
	},
}

func printShellHelp(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(w, "  %-22s %s\n", strings.TrimSpace(name+" "+c.args), c.help)
	}
	fmt.Fprintf(w, "  %-22s %s\n", "help", "show this list")
	fmt.Fprintf(w, "  %-22s %s\n", "exit", "close the session and quit")
}

// execute runs one tokenised shell line.
func execute(ctrl *ble.Controller, cfg *config.Config, args []string) error {
	switch args[0] {
	case "exit", "quit":
		return errExit
	case "help":
		printShellHelp(os.Stdout)
		return nil
	}
	c, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return c.handler(ctrl, cfg, args[1:])
}

func printEvent(ev ble.Event) {
	if ev.Err != nil {
		fmt.Printf("* %s: %v\n", ev, ev.Err)
	} else {
		fmt.Printf("* %s\n", ev)
	}
}

// printEvents echoes session events until ctx is done.
func printEvents(ctx context.Context, ctrl *ble.Controller) {
	for {
		select {
		case ev := <-ctrl.Events():
			printEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

// runInteractiveShell reads commands from stdin. With reconnect set the
// session is started immediately and restarted after every failure.
func runInteractiveShell(ctx context.Context, ctrl *ble.Controller, cfg *config.Config, reconnect bool) int {
	defer ctrl.Close()

	if reconnect {
		opts := ble.DefaultSuperviseOptions()
		opts.OnEvent = printEvent
		go func() {
			if err := ble.Supervise(ctx, ctrl, opts); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "reconnect: %v\n", err)
			}
		}()
	} else {
		go printEvents(ctx, ctrl)
	}

	prompt := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		prompt = func() { fmt.Print("> ") }
		printShellHelp(os.Stdout)
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	for prompt(); ; prompt() {
		select {
		case <-ctx.Done():
			fmt.Println()
			return 0
		case err := <-scanErr:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading command: %s\n", err)
				return 1
			}
			return 0
		case line := <-lines:
			args, err := shlex.Split(line)
			if len(args) == 0 {
				continue
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid command: %s\n", err)
				continue
			}
			if err := execute(ctrl, cfg, args); err != nil {
				if errors.Is(err, errExit) {
					return 0
				}
				fmt.Fprintf(os.Stderr, "%s: %s\n", args[0], err)
			}
		}
	}
}

// parseLevelFlag reads optional level and flag arguments.
func parseLevelFlag(args []string, level int, flag bool) (int, bool, error) {
	if len(args) > 2 {
		return 0, false, fmt.Errorf("expected at most 2 arguments, got %d", len(args))
	}
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, false, fmt.Errorf("level: %w", err)
		}
		level = n
	}
	if len(args) > 1 {
		b, err := strconv.ParseBool(args[1])
		if err != nil {
			return 0, false, fmt.Errorf("flag: %w", err)
		}
		flag = b
	}
	return level, flag, nil
}

// parseHex joins the arguments and decodes them as hex. "01 02 03",
// "010203" and "0x01 0x02" are all accepted.
func parseHex(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("no bytes given")
	}
	var b strings.Builder
	for _, a := range args {
		b.WriteString(strings.TrimPrefix(strings.ToLower(a), "0x"))
	}
	data, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return data, nil
}
