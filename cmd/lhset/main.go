package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"labelhub/internal/client"
)

type options struct {
	server  string
	encrypt bool
	device  string
	args    []string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fail(err)
	}
	if len(opts.args) == 0 {
		usage()
		os.Exit(1)
	}

	c := client.NewFromConfig(
		client.WithServer(opts.server),
		client.WithTLS(opts.encrypt),
	)
	ctx := context.Background()

	verb, rest := opts.args[0], opts.args[1:]
	switch verb {
	case "darkness":
		if len(rest) != 1 {
			fail(fmt.Errorf("darkness needs a level"))
		}
		level, err := strconv.Atoi(rest[0])
		if err != nil {
			fail(fmt.Errorf("invalid darkness level %q", rest[0]))
		}
		if err := c.SetDarkness(ctx, opts.device, level); err != nil {
			fail(err)
		}
	case "media":
		if len(rest) < 1 || len(rest) > 2 {
			fail(fmt.Errorf("media needs a type and an optional sense mode"))
		}
		senseMode := ""
		if len(rest) == 2 {
			senseMode = rest[1]
		}
		if err := c.SetMedia(ctx, opts.device, rest[0], senseMode); err != nil {
			fail(err)
		}
	case "calibrate":
		if len(rest) != 0 {
			fail(fmt.Errorf("calibrate takes no argument"))
		}
		if err := c.Calibrate(ctx, opts.device); err != nil {
			fail(err)
		}
	case "language":
		if len(rest) != 1 {
			fail(fmt.Errorf("language needs zpl or cpcl"))
		}
		if err := c.SetLanguage(ctx, opts.device, rest[0]); err != nil {
			fail(err)
		}
	default:
		fail(fmt.Errorf("unknown command %q", verb))
	}
}

func parseArgs(args []string) (options, error) {
	opts := options{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for -h")
			}
			i++
			opts.server = args[i]
		case "-E":
			opts.encrypt = true
		case "-d":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for -d")
			}
			i++
			opts.device = args[i]
		case "--help":
			usage()
			os.Exit(0)
		default:
			if len(args[i]) > 1 && args[i][0] == '-' {
				return opts, fmt.Errorf("unknown option %q", args[i])
			}
			opts.args = append(opts.args, args[i])
		}
	}
	return opts, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lhset [-h server] [-E] [-d address] command [argument ...]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  darkness <level>            set print darkness, -99 to 200")
	fmt.Fprintln(os.Stderr, "  media <type> [senseMode]    set media type and optional sense mode")
	fmt.Fprintln(os.Stderr, "  calibrate                   run media calibration")
	fmt.Fprintln(os.Stderr, "  language <zpl|cpcl>         switch the device command language")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lhset:", err)
	os.Exit(1)
}
