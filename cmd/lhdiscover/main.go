package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"labelhub/internal/client"
)

type options struct {
	server      string
	encrypt     bool
	transport   string
	subnets     []string
	timeout     time.Duration
	longListing bool
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fail(err)
	}

	c := client.NewFromConfig(
		client.WithServer(opts.server),
		client.WithTLS(opts.encrypt),
	)
	devices, err := c.Devices(context.Background(), opts.transport, opts.subnets, opts.timeout)
	if err != nil {
		fail(err)
	}

	for _, d := range devices {
		if opts.longListing {
			fmt.Printf("device-uri %s\n", d.URI)
			if d.Name != "" {
				fmt.Printf("device-name %s\n", d.Name)
			}
			if d.Model != "" {
				fmt.Printf("device-model %s\n", d.Model)
			}
			if d.Transport != "" {
				fmt.Printf("device-transport %s\n", d.Transport)
			}
			if d.Source != "" {
				fmt.Printf("device-source %s\n", d.Source)
			}
			if !d.SeenAt.IsZero() {
				fmt.Printf("device-seen %s\n", d.SeenAt.Format(time.RFC3339))
			}
			fmt.Println()
		} else {
			fmt.Printf("%s %s \"%s\" (%s)\n", d.Transport, d.URI, d.Name, d.Model)
		}
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
		case "-t":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for -t")
			}
			i++
			d, err := parseTimeout(args[i])
			if err != nil {
				return opts, fmt.Errorf("invalid timeout %q", args[i])
			}
			opts.timeout = d
		case "-T":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for -T")
			}
			i++
			opts.transport = args[i]
		case "-s":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for -s")
			}
			i++
			for _, s := range strings.Split(args[i], ",") {
				if s = strings.TrimSpace(s); s != "" {
					opts.subnets = append(opts.subnets, s)
				}
			}
		case "-l":
			opts.longListing = true
		case "--help":
			usage()
			os.Exit(0)
		default:
			return opts, fmt.Errorf("unknown option %q", args[i])
		}
	}
	return opts, nil
}

// parseTimeout accepts a duration string or a bare number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lhdiscover [-h server] [-E] [-t timeout] [-T transport] [-s subnets] [-l]")
	fmt.Fprintln(os.Stderr, "  -t timeout    scan timeout, seconds or a duration like 2s")
	fmt.Fprintln(os.Stderr, "  -T transport  limit the scan to network, usb or bluetooth")
	fmt.Fprintln(os.Stderr, "  -s subnets    comma separated CIDR subnets for the network probe")
	fmt.Fprintln(os.Stderr, "  -l            long listing, one attribute per line")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lhdiscover:", err)
	os.Exit(1)
}
