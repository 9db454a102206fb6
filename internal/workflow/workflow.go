// Package workflow drives a print job end to end: payload validation,
// connection with retry, readiness probing with automatic fixes,
// transmission, and completion polling. Progress is reported as a stream
// of typed events; one operation runs at a time.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"labelhub/internal/config"
	"labelhub/internal/connector"
	"labelhub/internal/logging"
	"labelhub/internal/model"
	"labelhub/internal/policy"
	"labelhub/internal/pool"
	"labelhub/internal/readiness"
	"labelhub/internal/sgd"
)

// ErrBusy is returned by Print while another operation is in flight.
var ErrBusy = errors.New("print operation already in progress")

const defaultMaxPayload = 1 << 20

// Request describes one print job.
type Request struct {
	// Device is the target address. Empty means the pool's current device.
	Device string
	// Data is the raw label payload.
	Data []byte
	// Format, when set, skips sniffing. FormatRaw sends the payload opaque.
	Format model.Format
	// Fixes overrides the readiness fix set. Nil enables every fix.
	Fixes *readiness.Options
}

// Orchestrator owns the single-operation print state machine.
type Orchestrator struct {
	cfg    config.Config
	pool   *pool.Pool
	engine *readiness.Engine
	pol    policy.Policy

	mu      sync.Mutex
	running bool
	current *Operation
}

func New(cfg config.Config, pl *pool.Pool, eng *readiness.Engine) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		pool:   pl,
		engine: eng,
		pol:    policyFrom(cfg),
	}
}

func policyFrom(cfg config.Config) policy.Policy {
	p := policy.Default()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBaseDelay > 0 {
		p.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryCapDelay > 0 {
		p.CapDelay = cfg.RetryCapDelay
	}
	return p
}

// Operation is one print job in flight or finished. All accessors are safe
// for concurrent use; the state only moves forward and a terminal step is
// final.
type Operation struct {
	id     string
	device string
	size   int64
	stream *Stream
	token  *policy.Token
	done   chan struct{}

	mu         sync.Mutex
	format     model.Format
	step       Step
	attempt    int
	maxAttempt int
	startedAt  time.Time
	finishedAt time.Time
	lastErr    string
	cancelled  bool
	completed  bool
	verdict    *readiness.Verdict
}

func (op *Operation) ID() string     { return op.id }
func (op *Operation) Device() string { return op.device }

// Subscribe returns a channel that replays the operation's history and then
// follows it live. The channel closes when the operation reaches a terminal
// step.
func (op *Operation) Subscribe() <-chan Event { return op.stream.Subscribe() }

// Events returns the events emitted so far.
func (op *Operation) Events() []Event { return op.stream.Events() }

// Done is closed after the terminal event has been published.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Cancel requests cooperative cancellation. Safe to call at any time and
// more than once; after the operation is terminal it has no effect.
func (op *Operation) Cancel() { op.token.Cancel() }

func (op *Operation) State() StateSnapshot { return op.snapshot() }

// Verdict returns the readiness verdict, or nil if the operation never
// reached the readiness step.
func (op *Operation) Verdict() *readiness.Verdict {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.verdict == nil {
		return nil
	}
	v := *op.verdict
	return &v
}

func (op *Operation) snapshot() StateSnapshot {
	op.mu.Lock()
	defer op.mu.Unlock()
	elapsed := time.Since(op.startedAt)
	if !op.finishedAt.IsZero() {
		elapsed = op.finishedAt.Sub(op.startedAt)
	}
	return StateSnapshot{
		OperationID: op.id,
		Device:      op.device,
		Step:        op.step,
		Attempt:     op.attempt,
		MaxAttempts: op.maxAttempt,
		StartedAt:   op.startedAt,
		Elapsed:     elapsed,
		LastError:   op.lastErr,
		Cancelled:   op.cancelled,
		Completed:   op.completed,
	}
}

func (op *Operation) emit(t EventType, msg string, detail *ErrorDetail, meta map[string]any) {
	op.stream.publish(Event{
		Type:      t,
		Timestamp: time.Now(),
		State:     op.snapshot(),
		Message:   msg,
		Error:     detail,
		Meta:      meta,
	})
}

func (op *Operation) setStep(s Step, msg string) {
	op.mu.Lock()
	op.step = s
	op.mu.Unlock()
	op.emit(EventStepChanged, msg, nil, nil)
}

func (op *Operation) currentStep() Step {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.step
}

func (op *Operation) setFormat(f model.Format) {
	op.mu.Lock()
	op.format = f
	op.mu.Unlock()
}

func (op *Operation) currentFormat() model.Format {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.format
}

func (op *Operation) noteAttempt(n int) {
	op.mu.Lock()
	op.attempt = n
	op.mu.Unlock()
}

func (op *Operation) setVerdict(v *readiness.Verdict) {
	op.mu.Lock()
	op.verdict = v
	op.mu.Unlock()
}

// toTerminal moves the operation into a terminal step exactly once. The
// second and later callers get false and must not emit anything.
func (op *Operation) toTerminal(s Step, lastErr string) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.step.Terminal() {
		return false
	}
	op.step = s
	op.finishedAt = time.Now()
	if lastErr != "" {
		op.lastErr = lastErr
	}
	switch s {
	case StepCompleted:
		op.completed = true
	case StepCancelled:
		op.cancelled = true
	}
	return true
}

// Print starts a new operation and returns immediately. The returned
// Operation reports progress through Subscribe and Done. ErrBusy when one
// is already running.
func (o *Orchestrator) Print(ctx context.Context, req Request) (*Operation, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	device := strings.TrimSpace(req.Device)
	if device == "" {
		device = o.pool.Current()
	}
	op := &Operation{
		id:         uuid.NewString(),
		device:     device,
		size:       int64(len(req.Data)),
		stream:     newStream(),
		token:      policy.NewToken(),
		done:       make(chan struct{}),
		format:     req.Format,
		step:       StepInitializing,
		maxAttempt: o.pol.MaxRetries,
		startedAt:  time.Now(),
	}
	o.running = true
	o.current = op
	o.mu.Unlock()

	logging.Infof("print %s: %d bytes to %q", op.id, op.size, device)
	go o.run(ctx, op, req)
	return op, nil
}

// Cancel flips the running operation's token. False when nothing is in
// flight.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	op, running := o.current, o.running
	o.mu.Unlock()
	if !running || op == nil {
		return false
	}
	op.Cancel()
	return true
}

func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastOperation returns the running or most recently finished operation.
func (o *Orchestrator) LastOperation() *Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) run(parent context.Context, op *Operation, req Request) {
	ctx := parent
	if o.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, o.cfg.OperationTimeout)
		defer cancel()
	}
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		op.stream.close()
		close(op.done)
	}()

	op.emit(EventStepChanged, "print operation accepted", nil, nil)

	if !o.validate(op, req) {
		return
	}
	if !o.gate(ctx, op) {
		return
	}
	if !o.connect(ctx, op) {
		return
	}
	if !o.gate(ctx, op) {
		return
	}
	if !o.checkReadiness(ctx, op, req) {
		return
	}
	if !o.gate(ctx, op) {
		return
	}
	if !o.transmit(ctx, op, req.Data) {
		return
	}
	if !o.gate(ctx, op) {
		return
	}
	o.awaitCompletion(ctx, op)
}

func (o *Orchestrator) validate(op *Operation, req Request) bool {
	op.setStep(StepValidating, "validating payload")
	if len(req.Data) == 0 {
		o.fail(op, &ErrorDetail{Class: ClassDataEmpty, Message: "print payload is empty"})
		return false
	}
	limit := o.cfg.MaxPayloadSize
	if limit <= 0 {
		limit = defaultMaxPayload
	}
	if int64(len(req.Data)) > limit {
		o.fail(op, &ErrorDetail{
			Class:   ClassDataOversized,
			Message: fmt.Sprintf("payload is %d bytes, limit is %d", len(req.Data), limit),
		})
		return false
	}
	format := req.Format
	switch {
	case format == model.FormatUnknown:
		format = sgd.DetectFormat(req.Data)
	case !format.Valid():
		o.fail(op, &ErrorDetail{
			Class:   ClassDataUnknownFmt,
			Message: fmt.Sprintf("unsupported format %q", format),
			Hint:    "use zpl, cpcl or raw",
		})
		return false
	}
	if format == model.FormatUnknown {
		o.fail(op, &ErrorDetail{
			Class:   ClassDataUnknownFmt,
			Message: "payload is neither ZPL nor CPCL",
			Hint:    "pass format raw to send opaque data",
		})
		return false
	}
	op.setFormat(format)
	if op.device == "" {
		o.fail(op, &ErrorDetail{
			Class:   ClassConnNotFound,
			Message: "no device selected",
			Hint:    "connect to a printer or pass a device address",
		})
		return false
	}
	return true
}

func (o *Orchestrator) connect(ctx context.Context, op *Operation) bool {
	op.setStep(StepConnecting, "connecting to "+op.device)
	op.noteAttempt(0)
	pol := o.pol
	pol.OnRetry = func(attempt int, delay time.Duration, err error) {
		op.noteAttempt(attempt)
		op.emit(EventRetry,
			fmt.Sprintf("connect attempt %d failed, retrying in %s", attempt, delay),
			connectionDetail(err),
			map[string]any{"attempt": attempt, "delayMs": delay.Milliseconds()})
	}
	err := pol.Execute(ctx, op.token, "connect "+op.device, func(ctx context.Context) error {
		return o.pool.Connect(ctx, op.device)
	})
	if err != nil {
		o.settle(ctx, op, err, connectionDetail)
		return false
	}
	op.setStep(StepConnected, "connected to "+op.device)
	return true
}

func (o *Orchestrator) checkReadiness(ctx context.Context, op *Operation, req Request) bool {
	op.setStep(StepCheckingStatus, "checking printer readiness")
	opts := readiness.FixAll(op.currentFormat())
	if req.Fixes != nil {
		opts = *req.Fixes
		opts.Format = op.currentFormat()
	}
	opts.OnProgress = func(r readiness.ProbeResult) {
		meta := map[string]any{"probe": r.Probe, "passed": r.Passed}
		if r.Fixed {
			meta["fixed"] = true
		}
		if r.FixFailed {
			meta["fixFailed"] = true
		}
		msg := "probe " + r.Probe
		if r.Detail != "" {
			msg += ": " + r.Detail
		}
		op.emit(EventProgress, msg, nil, meta)
	}

	v := o.engine.Check(ctx, o.pool.Device(op.device), opts)
	op.setVerdict(&v)

	if v.Blocked {
		detail := &ErrorDetail{
			Class:   ClassReadinessMedia,
			Message: v.BlockReason,
			Hint:    "load media and close the printer, then retry",
		}
		if strings.Contains(v.BlockReason, "head") {
			detail.Class = ClassReadinessHead
			detail.Hint = "close the print head latch, then retry"
		}
		o.fail(op, detail)
		return false
	}
	switch {
	case !v.Ready:
		op.emit(EventStatus, "printer not fully ready, proceeding anyway", nil, map[string]any{
			"appliedFixes": v.AppliedFixes,
			"failedFixes":  v.FailedFixes,
		})
	case len(v.AppliedFixes) > 0:
		op.emit(EventStatus, "printer ready after fixes", nil, map[string]any{
			"appliedFixes": v.AppliedFixes,
		})
	}
	return true
}

func (o *Orchestrator) transmit(ctx context.Context, op *Operation, data []byte) bool {
	op.setStep(StepSending, fmt.Sprintf("sending %d bytes", len(data)))
	op.noteAttempt(0)
	pol := o.pol
	pol.OnRetry = func(attempt int, delay time.Duration, err error) {
		op.noteAttempt(attempt)
		op.emit(EventRetry,
			fmt.Sprintf("transmit attempt %d failed, retrying in %s", attempt, delay),
			transmitDetail(err),
			map[string]any{"attempt": attempt, "delayMs": delay.Milliseconds()})
	}
	err := pol.Execute(ctx, op.token, "transmit to "+op.device, func(ctx context.Context) error {
		return o.pool.Write(ctx, op.device, data)
	})
	if err != nil {
		o.settle(ctx, op, err, transmitDetail)
		return false
	}
	return true
}

// awaitCompletion polls host status until the printer reports idle with an
// empty queue. A pause seen here is resumed once; a hardware fault fails
// the job even though the data was already sent, because nothing will come
// out of the printer.
func (o *Orchestrator) awaitCompletion(ctx context.Context, op *Operation) {
	op.setStep(StepWaiting, "waiting for printer to finish")
	poll := o.cfg.StatusPollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	window := o.cfg.CompletionTimeout
	if window <= 0 {
		window = 30 * time.Second
	}
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	resumed := false
	for {
		raw, err := o.pool.ReadProperty(ctx, op.device, sgd.VarHostStatus)
		switch {
		case err != nil && errors.Is(err, sgd.ErrUnknownVariable):
			// Firmware without host status cannot confirm anything.
			op.emit(EventStatus, "printer does not report status, assuming delivery", nil, nil)
			o.complete(op)
			return
		case err != nil && connector.IsCancelled(err):
			o.finishCancelled(op)
			return
		case err != nil:
			logging.Debugf("completion poll %s: %v", op.device, err)
		default:
			st := sgd.ParseHostStatus(raw)
			if st.Blocked() {
				o.fail(op, &ErrorDetail{
					Class:   ClassPrintHardware,
					Message: "printer reported " + describeBlock(st) + " before finishing",
					Hint:    "check the printer for an open head, jam or fault light",
				})
				return
			}
			if st.Paused && !resumed {
				resumed = true
				if err := o.pool.SendCommand(ctx, op.device, sgd.Unpause(op.currentFormat())); err == nil {
					op.emit(EventStatus, "printer paused mid-job, sent resume", nil, nil)
				} else {
					logging.Warnf("print %s: resume failed: %v", op.id, err)
				}
			} else if st.Ready && st.QueuedFormats == 0 && !st.PartialFormat {
				o.complete(op)
				return
			}
		}

		select {
		case <-ticker.C:
		case <-op.token.Done():
			o.finishCancelled(op)
			return
		case <-ctx.Done():
			o.settle(ctx, op, ctx.Err(), func(err error) *ErrorDetail {
				return &ErrorDetail{Class: ClassOpGeneric, Message: err.Error()}
			})
			return
		case <-deadline.C:
			o.fail(op, &ErrorDetail{
				Class:   ClassOpTimedOut,
				Message: fmt.Sprintf("printer did not confirm completion within %s", window),
				Hint:    "the job may still print, check the device",
			})
			return
		}
	}
}

func describeBlock(st model.PrinterStatus) string {
	switch {
	case st.HeadOpen:
		return "an open print head"
	case st.MediaOut:
		return "media out"
	case st.RibbonOut:
		return "ribbon out"
	case st.OverTemp:
		return "printhead over temperature"
	}
	return "a hardware fault"
}

// settle routes a stage failure to the right terminal. An explicit cancel
// wins over everything it caused, including context deadlines.
func (o *Orchestrator) settle(ctx context.Context, op *Operation, err error, classify func(error) *ErrorDetail) {
	if op.token.Cancelled() {
		o.finishCancelled(op)
		return
	}
	if ctx.Err() == context.DeadlineExceeded {
		o.fail(op, &ErrorDetail{Class: ClassOpTimedOut, Message: "operation timed out"})
		return
	}
	if connector.IsCancelled(err) || ctx.Err() == context.Canceled {
		o.finishCancelled(op)
		return
	}
	o.fail(op, classify(err))
}

// gate checks for cancellation or expiry between steps.
func (o *Orchestrator) gate(ctx context.Context, op *Operation) bool {
	if op.token.Cancelled() {
		o.finishCancelled(op)
		return false
	}
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			o.fail(op, &ErrorDetail{Class: ClassOpTimedOut, Message: "operation timed out"})
		} else {
			o.finishCancelled(op)
		}
		return false
	default:
		return true
	}
}

func (o *Orchestrator) complete(op *Operation) {
	if !op.toTerminal(StepCompleted, "") {
		return
	}
	op.emit(EventCompleted, "print completed", nil, nil)
	snap := op.State()
	logging.Job(logging.JobLogLine(op.device, op.id, string(op.currentFormat()), op.size, snap.Elapsed, "ok"))
	logging.Infof("print %s completed in %s", op.id, snap.Elapsed.Truncate(time.Millisecond))
}

func (o *Orchestrator) fail(op *Operation, detail *ErrorDetail) {
	if op.token.Cancelled() {
		o.finishCancelled(op)
		return
	}
	at := op.currentStep()
	if !op.toTerminal(StepFailed, detail.Message) {
		return
	}
	op.emit(EventError, detail.Message, detail, map[string]any{"failedStep": string(at)})
	snap := op.State()
	logging.Job(logging.JobLogLine(op.device, op.id, string(op.currentFormat()), op.size, snap.Elapsed, "failed "+detail.Class))
	logging.Warnf("print %s failed at %s: %s (%s)", op.id, at, detail.Message, detail.Class)
}

func (o *Orchestrator) finishCancelled(op *Operation) {
	at := op.currentStep()
	if !op.toTerminal(StepCancelled, "") {
		return
	}
	snap := op.State()
	op.emit(EventCancelled, "print operation cancelled", &ErrorDetail{
		Class:   ClassOpCancelled,
		Message: "operation cancelled during " + string(at),
	}, map[string]any{
		"interruptedStep": string(at),
		"elapsedMs":       snap.Elapsed.Milliseconds(),
	})
	logging.Job(logging.JobLogLine(op.device, op.id, string(op.currentFormat()), op.size, snap.Elapsed, "cancelled"))
	logging.Infof("print %s cancelled during %s after %s", op.id, at, snap.Elapsed.Truncate(time.Millisecond))
}
