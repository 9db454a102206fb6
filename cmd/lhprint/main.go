package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"labelhub/internal/client"
	"labelhub/internal/workflow"
)

type options struct {
	server  string
	encrypt bool
	device  string
	format  string
	raw     bool
	wait    bool
	verbose bool
	files   []string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fail(err)
	}
	if opts.verbose {
		opts.wait = true
	}

	data, err := readInput(opts.files)
	if err != nil {
		fail(err)
	}
	if len(data) == 0 {
		fail(errors.New("nothing to print"))
	}

	req := client.PrintRequest{
		Device: opts.device,
		Data:   data,
		Format: opts.format,
	}
	if opts.raw {
		req.Format = "raw"
	}

	c := client.NewFromConfig(
		client.WithServer(opts.server),
		client.WithTLS(opts.encrypt),
	)
	ctx := context.Background()

	if !opts.wait {
		accepted, err := c.Print(ctx, req)
		if err != nil {
			fail(err)
		}
		fmt.Printf("request id is %s\n", accepted.OperationID)
		return
	}

	announced := false
	last, err := c.PrintStream(ctx, req, func(ev workflow.Event) {
		if !announced && ev.State.OperationID != "" {
			fmt.Printf("request id is %s\n", ev.State.OperationID)
			announced = true
		}
		if opts.verbose {
			printEvent(ev)
		}
	})
	if err != nil {
		fail(err)
	}
	switch last.Step {
	case workflow.StepCompleted:
	case workflow.StepCancelled:
		fail(errors.New("print cancelled"))
	default:
		if last.LastError != "" {
			fail(fmt.Errorf("print failed: %s", last.LastError))
		}
		fail(errors.New("print failed"))
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
		case "-f":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing argument for -f")
			}
			i++
			opts.format = args[i]
		case "-r":
			opts.raw = true
		case "-w":
			opts.wait = true
		case "-v":
			opts.verbose = true
		case "--help":
			usage()
			os.Exit(0)
		default:
			if len(args[i]) > 1 && args[i][0] == '-' && args[i] != "-" {
				return opts, fmt.Errorf("unknown option %q", args[i])
			}
			opts.files = append(opts.files, args[i])
		}
	}
	return opts, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lhprint [-h server] [-E] [-d address] [-f format] [-r] [-w] [-v] [file ...]")
	fmt.Fprintln(os.Stderr, "  -d address  target device, defaults to the connected printer")
	fmt.Fprintln(os.Stderr, "  -f format   zpl, cpcl or raw; detected from the payload when omitted")
	fmt.Fprintln(os.Stderr, "  -r          send the payload untouched (same as -f raw)")
	fmt.Fprintln(os.Stderr, "  -w          wait for the operation to finish")
	fmt.Fprintln(os.Stderr, "  -v          trace operation events while waiting (implies -w)")
	fmt.Fprintln(os.Stderr, "reads standard input when no file is given or the file is -")
}

// readInput concatenates all named files in order, which batches label
// documents into one job. Stdin serves when no file is named.
func readInput(files []string) ([]byte, error) {
	if len(files) == 0 {
		return io.ReadAll(os.Stdin)
	}
	var buf bytes.Buffer
	for _, name := range files {
		if name == "-" {
			if _, err := io.Copy(&buf, os.Stdin); err != nil {
				return nil, err
			}
			continue
		}
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(&buf, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func printEvent(ev workflow.Event) {
	ts := ev.State.Elapsed.Round(time.Millisecond)
	switch ev.Type {
	case workflow.EventStepChanged:
		fmt.Printf("%10s  step %s\n", ts, ev.State.Step)
	case workflow.EventRetry:
		fmt.Printf("%10s  retry attempt %d of %d\n", ts, ev.State.Attempt, ev.State.MaxAttempts)
	case workflow.EventError:
		if ev.Error != nil {
			fmt.Printf("%10s  error %s: %s\n", ts, ev.Error.Class, ev.Error.Message)
		}
	case workflow.EventCompleted:
		fmt.Printf("%10s  completed\n", ts)
	case workflow.EventCancelled:
		fmt.Printf("%10s  cancelled\n", ts)
	default:
		if ev.Message != "" {
			fmt.Printf("%10s  %s\n", ts, ev.Message)
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lhprint:", err)
	os.Exit(1)
}
