package readiness

import (
	"context"
	"errors"
	"fmt"

	"labelhub/internal/model"
	"labelhub/internal/sgd"
)

// Probe names, in the order they run.
const (
	ProbeConnection = "connection"
	ProbeMedia      = "media"
	ProbeHead       = "head"
	ProbePause      = "pause"
	ProbeErrors     = "errors"
	ProbeLanguage   = "language"
	ProbeBuffer     = "buffer"
)

func (e *Engine) probeConnection(ctx context.Context, s *session, opts *Options, v *Verdict) ProbeResult {
	r := ProbeResult{Probe: ProbeConnection}
	if s.dev.Alive() {
		r.Passed = true
		r.Detail = "transport alive"
	} else {
		r.Detail = "transport unresponsive"
	}
	return r
}

// probeMedia checks media.status and, when allowed, runs a calibration.
// Media that stays out after a calibration attempt is a blocking condition;
// media out with the fix disabled is only advisory, since the reading can
// be stale on some firmware.
func (e *Engine) probeMedia(ctx context.Context, s *session, opts *Options, v *Verdict) ProbeResult {
	r := ProbeResult{Probe: ProbeMedia}
	val, err := s.read(ctx, sgd.VarMediaStatus)
	if err != nil {
		if errors.Is(err, sgd.ErrUnknownVariable) {
			r.Passed = true
			r.Detail = "media.status not supported by firmware"
			return r
		}
		r.Err = err.Error()
		r.Detail = "media status unreadable"
		return r
	}
	if sgd.MediaReady(val) {
		r.Passed = true
		return r
	}
	r.Detail = fmt.Sprintf("media reports %q", val)
	if !opts.FixMedia {
		return r
	}
	if err := s.dev.SendCommand(ctx, sgd.Calibrate(s.commandLanguage(ctx))); err != nil {
		r.FixFailed = true
		r.Err = err.Error()
		v.failed("calibrate", err)
		v.block("media not ready and calibration could not be sent")
		return r
	}
	// Calibration feeds stock and takes a while; poll instead of a single
	// re-read.
	for i := 0; i < 5; i++ {
		e.wait(ctx)
		s.forget(sgd.VarMediaStatus, sgd.VarHostStatus)
		after, err := s.read(ctx, sgd.VarMediaStatus)
		if err == nil && sgd.MediaReady(after) {
			r.Passed = true
			r.Fixed = true
			r.Detail = "media ready after calibration"
			v.applied("calibrate")
			return r
		}
		if ctx.Err() != nil {
			break
		}
	}
	r.FixFailed = true
	r.Detail = "media still not ready after calibration"
	v.failed("calibrate", nil)
	v.block("media out after failed calibration")
	return r
}

// probeHead has no fix: an open latch needs a human.
func (e *Engine) probeHead(ctx context.Context, s *session, opts *Options, v *Verdict) ProbeResult {
	r := ProbeResult{Probe: ProbeHead}
	val, err := s.read(ctx, sgd.VarHeadLatch)
	if err != nil {
		if errors.Is(err, sgd.ErrUnknownVariable) {
			r.Passed = true
			r.Detail = "head.latch not supported by firmware"
			return r
		}
		r.Err = err.Error()
		r.Detail = "head latch unreadable"
		return r
	}
	if sgd.HeadClosed(val) {
		r.Passed = true
		return r
	}
	r.FixFailed = true
	r.Detail = fmt.Sprintf("head latch reports %q", val)
	v.failed("head", nil)
	v.block("print head open")
	return r
}

func (e *Engine) probePause(ctx context.Context, s *session, opts *Options, v *Verdict) ProbeResult {
	r := ProbeResult{Probe: ProbePause}
	val, err := s.read(ctx, sgd.VarPause)
	if err != nil {
		if errors.Is(err, sgd.ErrUnknownVariable) {
			r.Passed = true
			r.Detail = "device.pause not supported by firmware"
			return r
		}
		r.Err = err.Error()
		r.Detail = "pause state unreadable"
		return r
	}
	if !sgd.PauseSet(val) {
		r.Passed = true
		return r
	}
	r.Detail = "device is paused"
	if !opts.FixPause {
		return r
	}
	if err := e.applyFix(ctx, s, sgd.Unpause(s.commandLanguage(ctx)), sgd.VarPause, sgd.VarHostStatus); err != nil {
		r.FixFailed = true
		r.Err = err.Error()
		v.failed("unpause", err)
		return r
	}
	after, err := s.read(ctx, sgd.VarPause)
	if err == nil && !sgd.PauseSet(after) {
		r.Passed = true
		r.Fixed = true
		r.Detail = "unpaused"
		v.applied("unpause")
		return r
	}
	r.FixFailed = true
	r.Detail = "device stayed paused"
	v.failed("unpause", err)
	return r
}

// softError reports a host condition that belongs to no other probe, such
// as corrupt format storage. These are the ones a clear command can help.
func softError(st model.PrinterStatus) bool {
	return !st.Ready && !st.MediaOut && !st.Paused && !st.HeadOpen &&
		!st.BufferFull && !st.RibbonOut && !st.OverTemp
}

// probeErrors looks at the host status flags that no other probe owns.
// Soft errors can be cleared; ribbon and temperature conditions are
// reported as-is.
func (e *Engine) probeErrors(ctx context.Context, s *session, opts *Options, v *Verdict) ProbeResult {
	r := ProbeResult{Probe: ProbeErrors}
	raw, err := s.read(ctx, sgd.VarHostStatus)
	if err != nil {
		if errors.Is(err, sgd.ErrUnknownVariable) {
			r.Passed = true
			r.Detail = "host status not supported by firmware"
			return r
		}
		r.Err = err.Error()
		r.Detail = "host status unreadable"
		return r
	}
	st := sgd.ParseHostStatus(raw)
	switch {
	case st.RibbonOut:
		r.Detail = "ribbon out"
		return r
	case st.OverTemp:
		r.Detail = "printhead over temperature"
		return r
	}
	if !softError(st) {
		r.Passed = true
		return r
	}
	r.Detail = "host reports an error condition"
	if !opts.FixErrors {
		return r
	}
	if err := e.applyFix(ctx, s, sgd.ClearErrors(s.commandLanguage(ctx)), sgd.VarHostStatus); err != nil {
		r.FixFailed = true
		r.Err = err.Error()
		v.failed("clearErrors", err)
		return r
	}
	after, err := s.read(ctx, sgd.VarHostStatus)
	if err == nil && !softError(sgd.ParseHostStatus(after)) {
		r.Passed = true
		r.Fixed = true
		r.Detail = "errors cleared"
		v.applied("clearErrors")
		return r
	}
	r.FixFailed = true
	r.Detail = "error condition persists"
	v.failed("clearErrors", err)
	return r
}

// probeLanguage verifies the device mode accepts the job format. A switch
// is only trusted after re-reading the mode; firmware acknowledges setvar
// frames even when it keeps the old value.
func (e *Engine) probeLanguage(ctx context.Context, s *session, opts *Options, v *Verdict) ProbeResult {
	r := ProbeResult{Probe: ProbeLanguage}
	if opts.Format == model.FormatUnknown || opts.Format == model.FormatRaw {
		r.Passed = true
		r.Skipped = true
		r.Detail = "no format constraint"
		return r
	}
	cur, err := s.read(ctx, sgd.VarLanguages)
	if err != nil {
		if errors.Is(err, sgd.ErrUnknownVariable) {
			r.Passed = true
			r.Detail = "device.languages not supported by firmware"
			return r
		}
		r.Err = err.Error()
		r.Detail = "language mode unreadable"
		return r
	}
	if sgd.LanguageMatches(cur, opts.Format) {
		r.Passed = true
		r.Detail = cur
		return r
	}
	r.Detail = fmt.Sprintf("device in %q, job needs %s", cur, opts.Format)
	if !opts.FixLanguage {
		return r
	}
	if err := e.applyFix(ctx, s, sgd.SwitchLanguage(opts.Format), sgd.VarLanguages, sgd.VarHostStatus); err != nil {
		r.FixFailed = true
		r.Err = err.Error()
		v.failed("switchLanguage", err)
		return r
	}
	after, err := s.read(ctx, sgd.VarLanguages)
	if err == nil && sgd.LanguageMatches(after, opts.Format) {
		r.Passed = true
		r.Fixed = true
		r.Detail = fmt.Sprintf("switched to %q", after)
		v.applied("switchLanguage")
		return r
	}
	r.FixFailed = true
	r.Detail = "language switch did not take"
	v.failed("switchLanguage", err)
	return r
}

// probeBuffer drains queued and partial formats. Clearing and flushing are
// independent: clear cancels everything queued, flush discards only a
// partially received format.
func (e *Engine) probeBuffer(ctx context.Context, s *session, opts *Options, v *Verdict) ProbeResult {
	r := ProbeResult{Probe: ProbeBuffer}
	raw, err := s.read(ctx, sgd.VarHostStatus)
	if err != nil {
		if errors.Is(err, sgd.ErrUnknownVariable) {
			r.Passed = true
			r.Detail = "host status not supported by firmware"
			return r
		}
		r.Err = err.Error()
		r.Detail = "host status unreadable"
		return r
	}
	st := sgd.ParseHostStatus(raw)
	if !st.BufferFull && !st.PartialFormat {
		r.Passed = true
		return r
	}

	lang := s.commandLanguage(ctx)
	var sent []string
	if opts.ClearBuffer {
		if err := e.applyFix(ctx, s, sgd.ClearBuffer(lang), sgd.VarHostStatus); err != nil {
			r.FixFailed = true
			r.Err = err.Error()
			v.failed("clearBuffer", err)
			return r
		}
		sent = append(sent, "clearBuffer")
		if raw, err = s.read(ctx, sgd.VarHostStatus); err == nil {
			st = sgd.ParseHostStatus(raw)
		}
	}
	if st.PartialFormat && opts.FlushBuffer {
		if err := e.applyFix(ctx, s, sgd.FlushBuffer(lang), sgd.VarHostStatus); err != nil {
			r.FixFailed = true
			r.Err = err.Error()
			v.failed("flushBuffer", err)
			return r
		}
		sent = append(sent, "flushBuffer")
	}
	if len(sent) == 0 {
		r.Detail = "receive buffer holds data"
		return r
	}

	if raw, err = s.read(ctx, sgd.VarHostStatus); err == nil {
		st = sgd.ParseHostStatus(raw)
		if !st.BufferFull && !st.PartialFormat {
			r.Passed = true
			r.Fixed = true
			r.Detail = "buffer drained"
			for _, fix := range sent {
				v.applied(fix)
			}
			return r
		}
	}
	r.FixFailed = true
	r.Detail = "buffer still holds data"
	for _, fix := range sent {
		v.failed(fix, err)
	}
	return r
}
