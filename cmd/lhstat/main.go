package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"labelhub/internal/cache"
	"labelhub/internal/client"
	"labelhub/internal/model"
	"labelhub/internal/readiness"
)

type options struct {
	server      string
	encrypt     bool
	device      string
	diagnostics bool
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
	ctx := context.Background()

	if opts.diagnostics {
		d, err := c.Diagnostics(ctx, opts.device)
		if err != nil {
			fail(err)
		}
		printDiagnostics(d)
		return
	}

	st, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s is running on %s:%d\n", st.Server, c.Host, c.Port)
	if st.Busy && st.Operation != nil {
		fmt.Printf("printing operation %s on %s\n", st.Operation.OperationID, st.Operation.Device)
	}

	if len(st.Pool.Records) == 0 {
		fmt.Println("no printer connected")
	}
	for _, rec := range st.Pool.Records {
		health := "healthy"
		if !rec.Healthy {
			health = fmt.Sprintf("unhealthy, %d consecutive failures", rec.ConsecutiveFailures)
		}
		marker := " "
		if rec.Current {
			marker = "*"
		}
		fmt.Printf("%s printer %s (%s).  connected since %s\n",
			marker, rec.Address, health, rec.ConnectedAt.Format(time.Stamp))
	}
	if st.Pool.KnownDevices > 0 {
		line := fmt.Sprintf("known devices: %d", st.Pool.KnownDevices)
		if !st.Pool.LastDiscoveryAt.IsZero() {
			line += ", last scan " + st.Pool.LastDiscoveryAt.Format(time.Stamp)
		}
		fmt.Println(line)
	}

	fmt.Printf("cache: %d hits, %d misses, %d invalidations (%.1f%% hit rate)\n",
		st.Cache.Hits, st.Cache.Misses, st.Cache.Invalidations, st.Cache.HitRate*100)
	if len(st.Cache.EntryCounts) > 0 {
		categories := make([]string, 0, len(st.Cache.EntryCounts))
		for cat := range st.Cache.EntryCounts {
			categories = append(categories, string(cat))
		}
		sort.Strings(categories)
		parts := make([]string, 0, len(categories))
		for _, cat := range categories {
			parts = append(parts, fmt.Sprintf("%s=%d", cat, st.Cache.EntryCounts[cache.Category(cat)]))
		}
		fmt.Printf("cache entries: %s\n", strings.Join(parts, " "))
	}

	if !st.Busy && st.Operation != nil {
		op := st.Operation
		fmt.Printf("last operation %s: %s on %s\n", op.OperationID, op.Step, op.Device)
		if op.LastError != "" {
			fmt.Printf("\tlast error: %s\n", op.LastError)
		}
	}
	if len(st.Transports) > 0 {
		fmt.Printf("transports: %s\n", strings.Join(st.Transports, " "))
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
		case "-D":
			opts.diagnostics = true
		case "--help":
			usage()
			os.Exit(0)
		default:
			return opts, fmt.Errorf("unknown option %q", args[i])
		}
	}
	return opts, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lhstat [-h server] [-E] [-D [-d address]]")
	fmt.Fprintln(os.Stderr, "  -D          run full diagnostics instead of the daemon summary")
	fmt.Fprintln(os.Stderr, "  -d address  device to diagnose, defaults to the connected printer")
}

func printDiagnostics(d readiness.Diagnostics) {
	ds := d.Detailed
	fmt.Printf("device %s:\n", ds.Address)
	fmt.Printf("\tstatus: %s\n", statusLine(ds.Status))
	if ds.Name != "" {
		fmt.Printf("\tname: %s\n", ds.Name)
	}
	if ds.Language != "" {
		fmt.Printf("\tlanguage: %s\n", ds.Language)
	}
	if ds.Firmware != "" {
		fmt.Printf("\tfirmware: %s\n", ds.Firmware)
	}
	if ds.Media != "" {
		fmt.Printf("\tmedia: %s\n", ds.Media)
	}
	if ds.Darkness != "" {
		fmt.Printf("\tdarkness: %s\n", ds.Darkness)
	}

	fmt.Printf("\treadiness: %s\n", verdictLine(d.Verdict))
	for _, p := range d.Verdict.Probes {
		fmt.Printf("\t\t%s: %s\n", p.Probe, probeLine(p))
	}

	if d.Supplies != nil {
		fmt.Printf("\tsupplies: %s\n", d.Supplies.State)
		details := make([]string, 0, len(d.Supplies.Details))
		for k := range d.Supplies.Details {
			details = append(details, k)
		}
		sort.Strings(details)
		for _, k := range details {
			fmt.Printf("\t\t%s: %s\n", k, d.Supplies.Details[k])
		}
	}
	for _, problem := range d.Problems {
		fmt.Printf("\tproblem: %s\n", problem)
	}
}

func statusLine(st model.PrinterStatus) string {
	if st.Ready {
		return "ready"
	}
	var flags []string
	if st.Paused {
		flags = append(flags, "paused")
	}
	if st.HeadOpen {
		flags = append(flags, "head open")
	}
	if st.MediaOut {
		flags = append(flags, "media out")
	}
	if st.RibbonOut {
		flags = append(flags, "ribbon out")
	}
	if st.BufferFull {
		flags = append(flags, "buffer full")
	}
	if st.OverTemp {
		flags = append(flags, "over temperature")
	}
	if st.PartialFormat {
		flags = append(flags, "partial format in buffer")
	}
	if st.QueuedFormats > 0 {
		flags = append(flags, fmt.Sprintf("%d queued formats", st.QueuedFormats))
	}
	if len(flags) == 0 {
		return "not ready"
	}
	return strings.Join(flags, ", ")
}

func verdictLine(v readiness.Verdict) string {
	switch {
	case v.Ready && len(v.AppliedFixes) > 0:
		return "ready after fixes: " + strings.Join(v.AppliedFixes, ", ")
	case v.Ready:
		return "ready"
	case v.Blocked:
		return "blocked: " + v.BlockReason
	default:
		return "not ready"
	}
}

func probeLine(p readiness.ProbeResult) string {
	state := "failed"
	switch {
	case p.Skipped:
		state = "skipped"
	case p.Fixed:
		state = "fixed"
	case p.FixFailed:
		state = "fix failed"
	case p.Passed:
		state = "passed"
	}
	if p.Detail != "" {
		state += " (" + p.Detail + ")"
	}
	if p.Err != "" {
		state += ", " + p.Err
	}
	return state
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lhstat:", err)
	os.Exit(1)
}
