// Package readiness checks whether a printer can take a format right now
// and repairs what it can along the way. Probes run in a fixed order and a
// failing probe never stops the ones after it; every call produces a fresh
// verdict from live reads.
package readiness

import (
	"context"
	"time"

	"labelhub/internal/config"
	"labelhub/internal/model"
	"labelhub/internal/sgd"
)

// Device is the slice of the connection pool a probe session needs.
type Device interface {
	Address() string
	Alive() bool
	ReadProperty(ctx context.Context, name string) (string, error)
	SendCommand(ctx context.Context, cmd []byte) error
}

// Options selects which automatic fixes a check may apply. Every fix is
// individually toggleable; a disabled fix downgrades the probe to a plain
// report.
type Options struct {
	Format      model.Format
	FixMedia    bool
	FixPause    bool
	FixErrors   bool
	FixLanguage bool
	ClearBuffer bool
	FlushBuffer bool

	// OnProgress, when set, receives each probe result as it lands.
	OnProgress func(ProbeResult)
}

// FixAll enables every automatic fix for the given job format.
func FixAll(format model.Format) Options {
	return Options{
		Format:      format,
		FixMedia:    true,
		FixPause:    true,
		FixErrors:   true,
		FixLanguage: true,
		ClearBuffer: true,
		FlushBuffer: true,
	}
}

// ProbeResult is the outcome of one probe within a check.
type ProbeResult struct {
	Probe     string `json:"probe"`
	Passed    bool   `json:"passed"`
	Fixed     bool   `json:"fixed,omitempty"`
	FixFailed bool   `json:"fixFailed,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Verdict is the aggregate of one check call. Ready means every probe
// passed, possibly after fixes. Blocked flags the two conditions that must
// stop a print outright: an open head, or media that stayed out after a
// calibration attempt.
type Verdict struct {
	Ready        bool              `json:"ready"`
	Blocked      bool              `json:"blocked"`
	BlockReason  string            `json:"blockReason,omitempty"`
	Probes       []ProbeResult     `json:"probes"`
	AppliedFixes []string          `json:"appliedFixes"`
	FailedFixes  []string          `json:"failedFixes"`
	FixErrors    map[string]string `json:"fixErrors,omitempty"`
	Elapsed      time.Duration     `json:"elapsed"`
}

func (v *Verdict) applied(fix string) {
	v.AppliedFixes = append(v.AppliedFixes, fix)
}

func (v *Verdict) failed(fix string, err error) {
	v.FailedFixes = append(v.FailedFixes, fix)
	if err != nil {
		if v.FixErrors == nil {
			v.FixErrors = map[string]string{}
		}
		v.FixErrors[fix] = err.Error()
	}
}

func (v *Verdict) block(reason string) {
	v.Blocked = true
	if v.BlockReason == "" {
		v.BlockReason = reason
	}
}

// Engine runs probe sessions. It is stateless apart from the settle delay
// applied between a fix command and its verifying re-read.
type Engine struct {
	settle time.Duration
}

func New(cfg config.Config) *Engine {
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = 300 * time.Millisecond
	}
	return &Engine{settle: settle}
}

// session memoizes variable reads for the duration of one check so probes
// sharing a variable cost one round-trip. Fixes forget the variables they
// change, forcing the verifying read back onto the wire.
type session struct {
	dev   Device
	reads map[string]string
	fails map[string]error
}

func newSession(dev Device) *session {
	return &session{dev: dev, reads: map[string]string{}, fails: map[string]error{}}
}

func (s *session) read(ctx context.Context, name string) (string, error) {
	if v, ok := s.reads[name]; ok {
		return v, nil
	}
	if err, ok := s.fails[name]; ok {
		return "", err
	}
	v, err := s.dev.ReadProperty(ctx, name)
	if err != nil {
		s.fails[name] = err
		return "", err
	}
	s.reads[name] = v
	return v, nil
}

func (s *session) forget(names ...string) {
	for _, n := range names {
		delete(s.reads, n)
		delete(s.fails, n)
	}
}

// commandLanguage picks the dialect for fix commands from the device's
// current mode. When the mode cannot be read the SGD do-frames are used,
// which every mode accepts.
func (s *session) commandLanguage(ctx context.Context) model.Format {
	cur, err := s.read(ctx, sgd.VarLanguages)
	if err == nil && sgd.LanguageMatches(cur, model.FormatZPL) {
		return model.FormatZPL
	}
	return model.FormatCPCL
}

// Check runs the full probe sequence against dev and returns the verdict.
func (e *Engine) Check(ctx context.Context, dev Device, opts Options) Verdict {
	start := time.Now()
	v := Verdict{AppliedFixes: []string{}, FailedFixes: []string{}}
	s := newSession(dev)

	probes := []func(context.Context, *session, *Options, *Verdict) ProbeResult{
		e.probeConnection,
		e.probeMedia,
		e.probeHead,
		e.probePause,
		e.probeErrors,
		e.probeLanguage,
		e.probeBuffer,
	}
	ready := true
	for _, probe := range probes {
		r := probe(ctx, s, &opts, &v)
		v.Probes = append(v.Probes, r)
		if !r.Passed {
			ready = false
		}
		if opts.OnProgress != nil {
			opts.OnProgress(r)
		}
	}
	v.Ready = ready
	v.Elapsed = time.Since(start)
	return v
}

// wait sleeps for the settle delay, returning early on ctx cancellation.
func (e *Engine) wait(ctx context.Context) {
	t := time.NewTimer(e.settle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// applyFix sends cmd, lets the device settle and forgets the listed
// variables so the next read verifies against live state.
func (e *Engine) applyFix(ctx context.Context, s *session, cmd []byte, invalidate ...string) error {
	if err := s.dev.SendCommand(ctx, cmd); err != nil {
		return err
	}
	e.wait(ctx)
	s.forget(invalidate...)
	return nil
}
